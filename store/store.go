// Package store is the message store: persistent records for outgoing and
// incoming mail, their per-recipient outcome ledger, relay agents, agent jobs
// and the cached IP blocklist, all in a single bstore database.
//
// Raw message content (MIME payloads) is kept as files under the msg
// directory in the data dir, referenced by record.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/bstore"

	"github.com/courier-mta/courier/courier-"
)

// DB is the database holding all courier state. Open by Init.
var DB *bstore.DB

// DBTypes are the types stored in DB.
var DBTypes = []any{
	OutgoingMessage{},
	RecipientOutcome{},
	IncomingMessage{},
	RejectedMessage{},
	Mailbox{},
	Alias{},
	Agent{},
	IPBlocklist{},
	AgentJob{},
}

// Init opens courier.db and ensures the message file directory exists.
func Init(ctx context.Context) error {
	if DB != nil {
		return fmt.Errorf("already initialized")
	}
	p := courier.DataDirPath("courier.db")
	os.MkdirAll(filepath.Dir(p), 0770)
	os.MkdirAll(courier.DataDirPath("msg"), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660}
	var err error
	DB, err = bstore.Open(ctx, p, &opts, DBTypes...)
	return err
}

// Close closes courier.db.
func Close() error {
	if DB == nil {
		return fmt.Errorf("not open")
	}
	err := DB.Close()
	DB = nil
	return err
}

// MessagePath returns the path to the raw message file for a message uuid.
// Files are spread over 256 subdirectories by the first byte of the uuid to
// keep directories small.
func MessagePath(uuid string) string {
	dir := "xx"
	if len(uuid) >= 2 {
		dir = uuid[:2]
	}
	return courier.DataDirPath(filepath.Join("msg", dir, uuid))
}

// StoreMessageFile writes raw message content for a message uuid, creating the
// subdirectory as needed. Existing content is overwritten, writes are
// idempotent per uuid.
func StoreMessageFile(uuid string, data []byte) (string, error) {
	p := MessagePath(uuid)
	if err := os.MkdirAll(filepath.Dir(p), 0770); err != nil {
		return "", fmt.Errorf("creating message dir: %w", err)
	}
	if err := os.WriteFile(p, data, 0660); err != nil {
		return "", fmt.Errorf("writing message file: %w", err)
	}
	return p, nil
}

// RemoveMessageFile removes the raw message content for a message uuid.
// Missing files are not an error, removal may race cleanup.
func RemoveMessageFile(uuid string) error {
	err := os.Remove(MessagePath(uuid))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
