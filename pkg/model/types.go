package model

// HealthStatus is the last known replication health of a replica.
type HealthStatus struct {
	Running    bool     `json:"running"`
	LagSeconds *float64 `json:"lagSeconds"`
}

type ReplicaStatus struct {
	Server    string        `json:"server"`
	Weight    int           `json:"weight"`
	Disabled  bool          `json:"disabled"`
	Connected bool          `json:"connected"`
	Health    *HealthStatus `json:"health,omitempty"`
}

type RouterStatus struct {
	Primary          string          `json:"primary"`
	PrimaryConnected bool            `json:"primaryConnected"`
	ForcePrimary     bool            `json:"forcePrimary"`
	TransactionDepth int             `json:"transactionDepth"`
	LastConnection   string          `json:"lastConnection,omitempty"`
	Replicas         []ReplicaStatus `json:"replicas"`
}

type RetryStatus struct {
	RetryLimit int    `json:"retryLimit"`
	LastError  string `json:"lastError,omitempty"`
}
