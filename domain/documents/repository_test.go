package documents

import (
	"testing"
)

// Documents without a content body (a repo with an empty description, a
// pure-metadata entity) must store '' in content_id and content_type; the
// columns are NOT NULL, so a NULL argument would reject the whole upsert.
func TestUpsertArgsKeepEmptyContentColumns(t *testing.T) {
	args := upsertArgs("01HTESTDOCUMENTIDENTIFIER0", UpsertParams{
		SourceID:   "01HTESTSOURCEIDENTIFIER000",
		ExternalID: "acme/widgets",
	})

	contentID, ok := args[5].(string)
	if !ok {
		t.Fatalf("content_id argument is %T, want string", args[5])
	}
	if contentID != "" {
		t.Errorf("content_id = %q, want empty string", contentID)
	}

	contentType, ok := args[6].(string)
	if !ok {
		t.Fatalf("content_type argument is %T, want string", args[6])
	}
	if contentType != "" {
		t.Errorf("content_type = %q, want empty string", contentType)
	}
}

func TestUpsertArgsDefaultAttributes(t *testing.T) {
	args := upsertArgs("01HTESTDOCUMENTIDENTIFIER0", UpsertParams{})

	attrs, ok := args[7].(map[string]string)
	if !ok {
		t.Fatalf("attributes argument is %T, want map", args[7])
	}
	if attrs == nil {
		t.Error("nil attributes must serialize as an empty object, not NULL")
	}
}
