package orders

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
)

// validNext lists the transitions a caller may request directly.
// PENDING -> PROCESSING happens only through the payment reconciler and
// PENDING -> EXPIRED only through the expiry sweeper; neither is requestable.
var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusCancelled: true},
	StatusProcessing: {StatusSent: true, StatusCancelled: true},
	StatusSent:       {StatusDelivered: true, StatusCancelled: true},
	StatusDelivered:  {StatusCancelled: true},
	StatusCancelled:  {},
	StatusExpired:    {StatusCancelled: true},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// CheckTransition validates a requested transition against the table.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

func ValidStatus(s Status) bool {
	_, ok := validNext[s]
	return ok
}
