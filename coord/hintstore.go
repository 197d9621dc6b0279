package coord

import (
	"errors"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/plprobelab/kadcore/kad"
	"github.com/plprobelab/kadcore/rpc"
)

// BootstrapHintStore persists the set of contacts a node held at Leave, so
// a future Join with no caller-supplied bootstrap list has something to
// fall back to. No on-disk format is mandated beyond a flat
// (node_id, endpoint, public_key_id) tuple list; FileBootstrapHintStore
// writes each kad.Contact as its own length-prefixed msgpack record,
// reusing the RPC codec's framing rather than inventing a second one.
type BootstrapHintStore interface {
	Load() ([]kad.Contact, error)
	Save(contacts []kad.Contact) error
}

// FileBootstrapHintStore is a BootstrapHintStore backed by a single file
// at Path, rewritten wholesale on every Save.
type FileBootstrapHintStore struct {
	Path string
}

var _ BootstrapHintStore = FileBootstrapHintStore{}

// Load reads every hint record from Path. A missing file is reported as no
// hints rather than an error, since "never saved before" is the common
// first-run case.
func (f FileBootstrapHintStore) Load() ([]kad.Contact, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []kad.Contact
	for {
		body, err := rpc.ReadFrame(file)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		var contact kad.Contact
		if err := msgpack.Unmarshal(body, &contact); err != nil {
			return nil, err
		}
		out = append(out, contact)
	}
	return out, nil
}

// Save rewrites Path with one length-prefixed msgpack record per contact.
func (f FileBootstrapHintStore) Save(contacts []kad.Contact) error {
	file, err := os.Create(f.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, contact := range contacts {
		body, err := msgpack.Marshal(contact)
		if err != nil {
			return err
		}
		if err := rpc.WriteFrame(file, body); err != nil {
			return err
		}
	}
	return nil
}

// InMemoryBootstrapHintStore is a BootstrapHintStore that never touches
// disk, for tests that need Join/Leave's hint-fallback wiring without a
// filesystem.
type InMemoryBootstrapHintStore struct {
	Contacts []kad.Contact
}

var _ BootstrapHintStore = &InMemoryBootstrapHintStore{}

func (m *InMemoryBootstrapHintStore) Load() ([]kad.Contact, error) {
	return m.Contacts, nil
}

func (m *InMemoryBootstrapHintStore) Save(contacts []kad.Contact) error {
	m.Contacts = contacts
	return nil
}
