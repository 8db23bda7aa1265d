package shared

const (
	TaskTypeListingPass   = "listing:pass"
	TaskTypeTransferBatch = "transfer:batch"
)

// Processor names used for yield state and queue keys.
const (
	ProcessorListing  = "listing"
	ProcessorTransfer = "transfer"
)

// ListingPassPayload carries the attributes of an optional trigger record.
// An empty payload runs the pass without one.
type ListingPassPayload struct {
	Attributes map[string]string `json:"attributes,omitempty"`
}

type TransferBatchPayload struct {
	Reason string `json:"reason,omitempty"`
}

type PublishRequest struct {
	FolderPath string            `json:"folder_path,omitempty"`
	Bucket     string            `json:"bucket,omitempty"`
	Key        string            `json:"key,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type PublishResult struct {
	Records   []string `json:"records"`
	TotalSize int64    `json:"total_size"`
	Skipped   []string `json:"skipped,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
}
