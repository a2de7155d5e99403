package models

import (
	"reflect"
	"strings"
	"testing"
)

// The blob FKs live on the documents table, so a cascade would delete the
// document whenever one of its blob rows is removed. Replacing content
// deletes blob rows as a matter of course; the constraints must never let
// that reach the document.
func TestDocumentBlobConstraintsDoNotCascade(t *testing.T) {
	typ := reflect.TypeOf(Document{})
	for _, name := range []string{"Content", "PDF", "Text"} {
		field, ok := typ.FieldByName(name)
		if !ok {
			t.Fatalf("field %s missing", name)
		}
		tag := field.Tag.Get("gorm")
		if strings.Contains(tag, "OnDelete:CASCADE") {
			t.Errorf("%s declares OnDelete:CASCADE; deleting a blob row would delete the document", name)
		}
		if !strings.Contains(tag, "OnDelete:SET NULL") {
			t.Errorf("%s should null the reference when its blob row goes, tag %q", name, tag)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := ObjectKey(TypeDocument, 7); got != "document:7" {
		t.Errorf("got %q", got)
	}
}
