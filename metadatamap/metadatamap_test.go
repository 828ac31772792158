package metadatamap

import "testing"

func TestExtractIndexedEmptyListIndexesAllExceptSystem(t *testing.T) {
	data := map[string]interface{}{
		"email":    "a@x",
		"status":   "active",
		"_system":  map[string]interface{}{"insertedAt": "now"},
	}
	got, err := ExtractIndexed(CollectionMap{}, data)
	if err != nil {
		t.Fatalf("ExtractIndexed() error = %v", err)
	}
	if _, ok := got["_system"]; ok {
		t.Error("ExtractIndexed() should drop _system when IndexedProps is empty")
	}
	if got["email"] != "a@x" || got["status"] != "active" {
		t.Errorf("ExtractIndexed() = %+v, want email/status preserved", got)
	}
}

func TestExtractIndexedDeclaredPaths(t *testing.T) {
	data := map[string]interface{}{
		"email":  "a@x",
		"status": "active",
		"ignore": "me",
	}
	m := CollectionMap{IndexedProps: []string{"email", "status"}}
	got, err := ExtractIndexed(m, data)
	if err != nil {
		t.Fatalf("ExtractIndexed() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ExtractIndexed() = %+v, want exactly email and status", got)
	}
	if got["email"] != "a@x" || got["status"] != "active" {
		t.Errorf("ExtractIndexed() = %+v", got)
	}
}

func TestExtractIndexedNestedPath(t *testing.T) {
	data := map[string]interface{}{
		"profile": map[string]interface{}{"name": "Ada"},
	}
	m := CollectionMap{IndexedProps: []string{"profile.name"}}
	got, err := ExtractIndexed(m, data)
	if err != nil {
		t.Fatalf("ExtractIndexed() error = %v", err)
	}
	profile, ok := got["profile"].(map[string]interface{})
	if !ok || profile["name"] != "Ada" {
		t.Errorf("ExtractIndexed() = %+v, want nested profile.name = Ada", got)
	}
}

func TestCheckRequiredMissingFails(t *testing.T) {
	m := CollectionMap{Validation: ValidationConfig{RequiredIndexed: []string{"email"}}}
	if err := CheckRequired(m, map[string]interface{}{}); err == nil {
		t.Error("CheckRequired() should fail when a required field is missing")
	}
}

func TestCheckRequiredEmptyStringFails(t *testing.T) {
	m := CollectionMap{Validation: ValidationConfig{RequiredIndexed: []string{"email"}}}
	if err := CheckRequired(m, map[string]interface{}{"email": ""}); err == nil {
		t.Error("CheckRequired() should fail when a required field is empty")
	}
}

func TestCheckRequiredPresentPasses(t *testing.T) {
	m := CollectionMap{Validation: ValidationConfig{RequiredIndexed: []string{"email"}}}
	if err := CheckRequired(m, map[string]interface{}{"email": "a@x"}); err != nil {
		t.Errorf("CheckRequired() error = %v", err)
	}
}

func TestTextSafeAllowsPlainText(t *testing.T) {
	if !textSafe("hello\nworld\t!") {
		t.Error("textSafe() should accept plain text with only newline/tab control chars")
	}
}

func TestTextSafeRejectsBinary(t *testing.T) {
	binary := string([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 'a', 'b'})
	if textSafe(binary) {
		t.Error("textSafe() should reject data with a high control-character ratio")
	}
}
