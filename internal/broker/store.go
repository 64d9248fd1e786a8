package broker

import "time"

// StoredMessage is the persistence shape of a message.
type StoredMessage struct {
	Message *Message  `json:"message"`
	SavedAt time.Time `json:"saved_at"`
}

// AuditRecord captures an administrative action for the audit trail.
type AuditRecord struct {
	ID       string    `json:"id"`
	Action   string    `json:"action"`
	Actor    string    `json:"actor"`
	Topic    string    `json:"topic,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// AuditFilter narrows audit listings. Zero values match everything.
type AuditFilter struct {
	Action string
	Actor  string
	Since  time.Time
	Limit  int
}

// Store is the persistence collaborator the broker writes through.
// Operations are synchronous; failures surface as PERSISTENCE_FAILED
// and abort the originating broker operation before any in-memory
// commit.
type Store interface {
	// Topics
	SaveTopic(t *Topic) error
	GetTopic(name string) (*Topic, error)
	ListTopics() ([]*Topic, error)
	DeleteTopic(name string) error
	UpdateTopicStats(name string, messages int64, subscribers int) error

	// Messages
	SaveMessage(msg *Message) error
	MessagesByTopic(topic string, limit int) ([]*Message, error)
	MessageByID(id string) (*Message, error)
	SearchMessages(query string, limit int) ([]*Message, error)
	DeleteMessagesOlderThan(cutoff time.Time) (int, error)
	CountMessages() (int, error)

	// Consumer groups
	SaveGroup(g *ConsumerGroup) error
	GetGroup(name string) (*ConsumerGroup, error)
	ListGroups() ([]*ConsumerGroup, error)
	SetGroupOffset(name string, offset int64) error
	CommitGroupOffset(name string, offset int64) error

	// Dead letters
	AppendDeadLetter(entry *DeadLetterEntry) error
	ListDeadLetters(limit int) ([]*DeadLetterEntry, error)
	RemoveDeadLetter(messageID string) error
	CountDeadLetters() (int, error)

	// Audit
	AppendAudit(rec *AuditRecord) error
	ListAudit(filter AuditFilter) ([]*AuditRecord, error)
}

// NopStore discards every write and reports nothing stored. It is the
// default when the broker runs without persistence.
type NopStore struct{}

func (NopStore) SaveTopic(*Topic) error                                { return nil }
func (NopStore) GetTopic(string) (*Topic, error)                       { return nil, ErrNotFound }
func (NopStore) ListTopics() ([]*Topic, error)                         { return nil, nil }
func (NopStore) DeleteTopic(string) error                              { return nil }
func (NopStore) UpdateTopicStats(string, int64, int) error             { return nil }
func (NopStore) SaveMessage(*Message) error                            { return nil }
func (NopStore) MessagesByTopic(string, int) ([]*Message, error)       { return nil, nil }
func (NopStore) MessageByID(string) (*Message, error)                  { return nil, ErrNotFound }
func (NopStore) SearchMessages(string, int) ([]*Message, error)        { return nil, nil }
func (NopStore) DeleteMessagesOlderThan(time.Time) (int, error)        { return 0, nil }
func (NopStore) CountMessages() (int, error)                           { return 0, nil }
func (NopStore) SaveGroup(*ConsumerGroup) error                        { return nil }
func (NopStore) GetGroup(string) (*ConsumerGroup, error)               { return nil, ErrNotFound }
func (NopStore) ListGroups() ([]*ConsumerGroup, error)                 { return nil, nil }
func (NopStore) SetGroupOffset(string, int64) error                    { return nil }
func (NopStore) CommitGroupOffset(string, int64) error                 { return nil }
func (NopStore) AppendDeadLetter(*DeadLetterEntry) error               { return nil }
func (NopStore) ListDeadLetters(int) ([]*DeadLetterEntry, error)       { return nil, nil }
func (NopStore) RemoveDeadLetter(string) error                         { return nil }
func (NopStore) CountDeadLetters() (int, error)                        { return 0, nil }
func (NopStore) AppendAudit(*AuditRecord) error                        { return nil }
func (NopStore) ListAudit(AuditFilter) ([]*AuditRecord, error)         { return nil, nil }
