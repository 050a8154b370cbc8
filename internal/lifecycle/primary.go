package lifecycle

// Primary gates queue starts to one process instance.
type Primary interface {
	IsPrimary() bool
}

// Static is a fixed answer, for single-instance deployments.
type Static bool

func (s Static) IsPrimary() bool { return bool(s) }
