package indexing

import (
	"fmt"
	"strconv"
	"strings"
)

// recordKey identifies one chunk inside a batch job's JSONL exchange. It
// round-trips through the provider's recordId field, carrying everything
// ingestion needs: which item and chunk a vector belongs to, the span
// offsets, and how many chunks the item submitted in total. Item IDs are
// ULIDs, so "/" never appears in them.
type recordKey struct {
	ItemID     string
	ChunkIndex int
	ChunkCount int
	CharStart  int
	CharEnd    int
}

func (k recordKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d/%d", k.ItemID, k.ChunkIndex, k.ChunkCount, k.CharStart, k.CharEnd)
}

func parseRecordKey(s string) (recordKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return recordKey{}, fmt.Errorf("malformed record id %q", s)
	}

	nums := make([]int, 4)
	for i, part := range parts[1:] {
		n, err := strconv.Atoi(part)
		if err != nil {
			return recordKey{}, fmt.Errorf("malformed record id %q: %w", s, err)
		}
		nums[i] = n
	}

	return recordKey{
		ItemID:     parts[0],
		ChunkIndex: nums[0],
		ChunkCount: nums[1],
		CharStart:  nums[2],
		CharEnd:    nums[3],
	}, nil
}

// titanBatchInput is the per-record model input in the Titan batch format.
type titanBatchInput struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type batchInputRecord struct {
	RecordID   string          `json:"recordId"`
	ModelInput titanBatchInput `json:"modelInput"`
}

type batchOutputRecord struct {
	RecordID    string `json:"recordId"`
	ModelOutput struct {
		Embedding []float32 `json:"embedding"`
	} `json:"modelOutput"`
}
