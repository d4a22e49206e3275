// Package store provides the file-backed durable record store.
package store

// Namespaces used across the application. Each namespace is a directory
// under the store root; each record is one JSON file keyed by id.
const (
	NamespaceAgents      = "agents"
	NamespaceUsers       = "users"
	NamespaceWallets     = "wallet"
	NamespacePermissions = "permissions"
)

// Store is the durable record store contract. Get on a missing or corrupt
// record reports absence rather than failing; callers must tolerate a record
// being effectively absent even when a file exists.
type Store interface {
	// Put writes a record, replacing any existing one. The write is atomic
	// at the file level (temp file + rename).
	Put(namespace, id string, record any) error

	// PutIfAbsent writes a record only if no record exists for the id.
	// Returns true if the write happened, false if a record already existed.
	PutIfAbsent(namespace, id string, record any) (bool, error)

	// Get reads a record into out. Returns (false, nil) when the record is
	// missing or unreadable.
	Get(namespace, id string, out any) (bool, error)

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(namespace, id string) error

	// ListIDs returns all record ids in a namespace.
	ListIDs(namespace string) ([]string, error)

	// LoadRunningAgents reads the persisted set of agent ids that should be
	// resumed after a process restart. Missing file yields an empty list.
	LoadRunningAgents() ([]string, error)

	// SaveRunningAgents persists the set of agent ids to resume on restart.
	SaveRunningAgents(ids []string) error
}
