package storage

// Modify is a single modification to the store, either a Put or a Delete.
type Modify struct {
	Data interface{}
}

type Put struct {
	Key   string
	Value []byte
}

// Delete writes a tombstone version; reads after it see no value.
type Delete struct {
	Key string
}

func (m *Modify) Key() string {
	switch m.Data.(type) {
	case Put:
		return m.Data.(Put).Key
	case Delete:
		return m.Data.(Delete).Key
	}
	return ""
}

func (m *Modify) Value() []byte {
	if putData, ok := m.Data.(Put); ok {
		return putData.Value
	}
	return nil
}

func (m *Modify) IsDelete() bool {
	_, ok := m.Data.(Delete)
	return ok
}

// ModifiesFromWriteSet turns a buffered write set into a batch. A nil value is a delete.
func ModifiesFromWriteSet(writeSet map[string][]byte) []Modify {
	batch := make([]Modify, 0, len(writeSet))
	for key, value := range writeSet {
		if value == nil {
			batch = append(batch, Modify{Data: Delete{Key: key}})
		} else {
			batch = append(batch, Modify{Data: Put{Key: key, Value: value}})
		}
	}
	return batch
}
