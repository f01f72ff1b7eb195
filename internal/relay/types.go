package relay

// EncryptedPayload carries an end-to-end encrypted message body. A record
// is either fully plaintext (nil payload) or fully wrapped: ciphertext,
// nonce, and a wrapped data key for every recipient device. Partial
// states are never transmitted.
type EncryptedPayload struct {
	Ciphertext string            `json:"ciphertext"`
	Nonce      string            `json:"nonce"`
	KeyMap     map[string]string `json:"key_map"`
}

// Message is one SMS or MMS record. MMS ids are namespaced with an
// "mms_" prefix before transmission because the two local stores issue
// overlapping ids.
type Message struct {
	ID          string            `json:"id"`
	Address     string            `json:"address"`
	Body        string            `json:"body"`
	Date        int64             `json:"date"`
	Type        string            `json:"type"`
	Read        bool              `json:"read"`
	MMS         bool              `json:"is_mms"`
	Attachments []AttachmentRef   `json:"attachments,omitempty"`
	Encrypted   *EncryptedPayload `json:"encrypted,omitempty"`
}

// AttachmentRef links a message to an uploaded attachment by file key.
type AttachmentRef struct {
	FileKey     string `json:"file_key"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Contact is one address-book record.
type Contact struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
}

// CallRecord is one call-history record.
type CallRecord struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number"`
	Type        string `json:"type"`
	Duration    int64  `json:"duration"`
	Date        int64  `json:"date"`
}

// ReadReceipt marks a message as read across devices.
type ReadReceipt struct {
	MessageID string `json:"message_id"`
	ReadAt    int64  `json:"read_at"`
}

// SyncResult is the relay's answer to a batch push. Skipped reports
// relay-side deduplication; re-pushing overlapping records is not an error.
type SyncResult struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// MessagesPage is one page of pulled message records.
type MessagesPage struct {
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor"`
	HasMore  bool      `json:"has_more"`
}

// ContactsPage is one page of pulled contact records.
type ContactsPage struct {
	Contacts []Contact `json:"contacts"`
	Cursor   string    `json:"cursor"`
	HasMore  bool      `json:"has_more"`
}

// Device is one paired device on the account.
type Device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	LastSeen int64  `json:"last_seen"`
}

// FileTransferGrant is the relay's reply to a transfer registration:
// a short-lived presigned URL for the raw byte upload.
type FileTransferGrant struct {
	ID        string `json:"id"`
	FileKey   string `json:"file_key"`
	UploadURL string `json:"upload_url"`
}

// CallCommand is an instruction from a peer device. The relay delivers
// commands at least once; Processed is flipped exactly once by the
// owning device after acting on it.
type CallCommand struct {
	ID          string `json:"id"`
	CallID      string `json:"call_id,omitempty"`
	Command     string `json:"command"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	Processed   bool   `json:"processed"`
}

// Call commands a peer may issue.
const (
	CommandAnswer   = "answer"
	CommandReject   = "reject"
	CommandEnd      = "end"
	CommandMakeCall = "make_call"
)

// GroupKeys maps recipient device labels to their base64 X25519 public
// keys. Served by the relay for the current device group.
type GroupKeys struct {
	Devices map[string]string `json:"devices"`
}

// Usage reports account-level sync statistics.
type Usage struct {
	MessagesSynced int64 `json:"messages_synced"`
	StorageBytes   int64 `json:"storage_bytes"`
	DeviceCount    int   `json:"device_count"`
}

type syncMessagesRequest struct {
	BatchID  string    `json:"batch_id,omitempty"`
	Messages []Message `json:"messages"`
}

type syncContactsRequest struct {
	Contacts []Contact `json:"contacts"`
}

type syncCallsRequest struct {
	Calls []CallRecord `json:"calls"`
}

type syncReceiptsRequest struct {
	Receipts []ReadReceipt `json:"receipts"`
}

type createTransferRequest struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type completeTransferRequest struct {
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

type commandProcessedRequest struct {
	Processed bool `json:"processed"`
}

type callStatusRequest struct {
	Status string `json:"status"`
}

type pendingCommandsResponse struct {
	Commands []CallCommand `json:"commands"`
}
