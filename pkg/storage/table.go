package storage

import (
	"sync"

	"github.com/bobboyms/oxidb/pkg/btree"
	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/heap"
)

type DataType int

const (
	TypeInt     DataType = iota // 0: Inteiro (int64)
	TypeVarchar                 // 1: String variável
	TypeBoolean                 // 2: Bool
	TypeFloat                   // 3: Float64
	TypeDate                    // 4: Timestamp
)

// Função auxiliar útil para debug
func (d DataType) String() string {
	return [...]string{"INT", "VARCHAR", "BOOL", "FLOAT", "DATE"}[d]
}

type Index struct {
	Name    string
	Primary bool
	Type    DataType
	Tree    *btree.BPlusTree
}

// Table holds one heap plus every index built over it. The mutex
// guards structural metadata (index set, vacuum's heap swap); readers
// of individual records still rely on the heap's and trees' own
// locking.
type Table struct {
	Name    string
	Heap    *heap.HeapManager
	Indices map[string]*Index
	mu      sync.RWMutex
}

func (t *Table) Lock()    { t.mu.Lock() }
func (t *Table) Unlock()  { t.mu.Unlock() }
func (t *Table) RLock()   { t.mu.RLock() }
func (t *Table) RUnlock() { t.mu.RUnlock() }

// GetIndex looks up an index by name, taking the table's read lock.
func (t *Table) GetIndex(name string) (*Index, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.Indices[name]
	if !ok {
		return nil, &errors.IndexNotFoundError{Name: name}
	}
	return idx, nil
}

// GetIndices returns a snapshot of all indices, taking the read lock.
func (t *Table) GetIndices() []*Index {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.GetIndicesUnsafe()
}

// GetIndicesUnsafe returns all indices without locking; callers must
// already hold t.mu (in either mode).
func (t *Table) GetIndicesUnsafe() []*Index {
	out := make([]*Index, 0, len(t.Indices))
	for _, idx := range t.Indices {
		out = append(out, idx)
	}
	return out
}

type TableMetaData struct {
	mu     sync.RWMutex
	tables map[string]*Table
}

func NewTableMenager() *TableMetaData {
	return &TableMetaData{
		tables: make(map[string]*Table),
	}
}

func (tb *TableMetaData) NewTable(tableName string, indices []Index, t int, hm *heap.HeapManager) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if _, exists := tb.tables[tableName]; exists {
		return &errors.TableAlreadyExistsError{
			Name: tableName,
		}
	}

	tempIndices := make(map[string]*Index, len(indices))

	primaryCount := 0
	for _, value := range indices {
		// Cria árvore única se for chave primária
		var tree *btree.BPlusTree
		if value.Primary {
			tree = btree.NewUniqueTree(t)
			primaryCount++
		} else {
			tree = btree.NewTree(t)
		}

		idxPtr := &Index{
			Name:    value.Name,
			Primary: value.Primary,
			Type:    value.Type,
			Tree:    tree,
		}

		tempIndices[value.Name] = idxPtr

	}

	if primaryCount == 0 {
		return &errors.PrimarykeyNotDefinedError{
			TableName: tableName,
		}
	}

	if primaryCount > 1 {
		return &errors.TwoPrimarykeysError{
			Total: primaryCount,
		}
	}

	tb.tables[tableName] = &Table{
		Name:    tableName,
		Heap:    hm,
		Indices: tempIndices,
	}

	return nil
}

func (tb *TableMetaData) GetTableByName(name string) (*Table, error) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	table, ok := tb.tables[name]
	if !ok {
		return nil, &errors.TableNotFoundError{
			Name: name,
		}
	}
	return table, nil
}

func (tb *TableMetaData) GetIndexByName(tableName string, indexName string) (*Index, error) {
	table, err := tb.GetTableByName(tableName)
	if err != nil {
		return nil, err
	}

	return table.GetIndex(indexName)
}

// ListTables returns a snapshot of the registered table names.
func (tb *TableMetaData) ListTables() []string {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	names := make([]string, 0, len(tb.tables))
	for name := range tb.tables {
		names = append(names, name)
	}
	return names
}
