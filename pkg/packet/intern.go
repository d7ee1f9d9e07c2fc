package packet

// Table maps literal strings to small sequential IDs, starting at 1.
// One table serves one direction of one transport and is never shared
// between goroutines.
type Table struct {
	ids    map[string]uint32
	values []string
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{ids: make(map[string]uint32)}
}

// Lookup returns the ID of s, if registered.
func (t *Table) Lookup(s string) (uint32, bool) {
	id, ok := t.ids[s]
	return id, ok
}

// Add registers s under the next ID and returns it. s must not be registered.
func (t *Table) Add(s string) uint32 {
	t.values = append(t.values, s)
	id := uint32(len(t.values))
	t.ids[s] = id
	return id
}

// Get returns the literal registered under id.
func (t *Table) Get(id uint32) (string, bool) {
	if id == 0 || int(id) > len(t.values) {
		return "", false
	}
	return t.values[id-1], true
}

// Len returns the number of registered entries.
func (t *Table) Len() int {
	return len(t.values)
}

// rollback forgets entries registered after the table had n entries. Only
// used for registrations made by an encode that was never transmitted.
func (t *Table) rollback(n int) {
	for _, s := range t.values[n:] {
		delete(t.ids, s)
	}
	t.values = t.values[:n]
}
