package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	BootID    key = "boot_id"
	Partition key = "partition"
)
