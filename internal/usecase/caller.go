package usecase

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"
)

// Caller is the verified identity attached to a request.
type Caller struct {
	UserID int64
	Role   string
}

func (c Caller) IsAdmin() bool { return c.Role == RoleAdmin }
