package storage

import "time"

type VaultRecord struct {
	ID           string
	Name         string
	Endpoint     string
	Kind         string
	Model        string
	EncSecretKey string
	UpdatedAt    time.Time
}

type AuditEntry struct {
	ID        int64
	Role      string
	Username  string
	Action    string
	MetaJSON  string
	CreatedAt time.Time
}
