package contacts

import "time"

// List groups the contacts a campaign dials, in upload order.
type List struct {
	ID           string    `json:"list_id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	ContactCount int       `json:"contact_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contact is one dialable row. Position is the zero-based upload order;
// campaigns address contacts by (list, position). Fields carries the
// dynamic CSV columns that get forwarded to the bot as template variables.
type Contact struct {
	ID        int64             `json:"id"`
	ListID    string            `json:"list_id"`
	Position  int               `json:"position"`
	Number    string            `json:"number"`
	FirstName string            `json:"first_name,omitempty"`
	Email     string            `json:"email,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}
