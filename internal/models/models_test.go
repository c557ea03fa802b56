package models

import (
	"reflect"
	"strings"
	"testing"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestThread_Fields(t *testing.T) {
	typ := reflect.TypeOf(Thread{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "AuthorID", "index")
	assertGormTag(t, typ, "ActiveAuthorID", "uniqueIndex")
	assertGormTag(t, typ, "CategoryID", "idx_thread_category_active")
	assertGormTag(t, typ, "IsActive", "idx_thread_category_active")

	assertFieldType(t, typ, "ActiveAuthorID", "*string")
	assertFieldType(t, typ, "ClosedAt", "*time.Time")
	assertFieldType(t, typ, "Messages", "[]models.Message")
}

func TestMessage_Fields(t *testing.T) {
	typ := reflect.TypeOf(Message{})

	assertGormTag(t, typ, "ModmailID", "primaryKey")
	assertGormTag(t, typ, "ClientID", "uniqueIndex")
	assertGormTag(t, typ, "Content", "type:text")
	assertGormTag(t, typ, "Edits", "references:ModmailID")
	assertGormTag(t, typ, "Attachments", "references:ModmailID")

	assertFieldType(t, typ, "ClientID", "*string")
	assertFieldType(t, typ, "Edits", "[]models.Edit")
	assertFieldType(t, typ, "Attachments", "[]models.Attachment")
}

func TestEdit_VersionUniquePerMessage(t *testing.T) {
	typ := reflect.TypeOf(Edit{})

	assertGormTag(t, typ, "MessageID", "uniqueIndex:idx_edit_message_version")
	assertGormTag(t, typ, "Version", "uniqueIndex:idx_edit_message_version")
	assertFieldType(t, typ, "Version", "int")
}

func TestCategory_Fields(t *testing.T) {
	typ := reflect.TypeOf(Category{})

	assertGormTag(t, typ, "ActiveEmoji", "uniqueIndex")
	assertGormTag(t, typ, "Name", "idx_category_guild_name")
	assertGormTag(t, typ, "GuildID", "idx_category_guild_name")
	assertFieldType(t, typ, "ChannelID", "*string")
	assertFieldType(t, typ, "ActiveEmoji", "*string")
}

func TestMuteStatus_PairUnique(t *testing.T) {
	typ := reflect.TypeOf(MuteStatus{})

	assertGormTag(t, typ, "UserID", "uniqueIndex:idx_mute_user_category")
	assertGormTag(t, typ, "CategoryID", "uniqueIndex:idx_mute_user_category")
	assertGormTag(t, typ, "Till", "index")
	assertFieldType(t, typ, "Till", "time.Time")
}

func TestCategoryRole_CompositeKey(t *testing.T) {
	typ := reflect.TypeOf(CategoryRole{})

	assertGormTag(t, typ, "CategoryID", "primaryKey")
	assertGormTag(t, typ, "RoleID", "primaryKey")
	assertGormTag(t, typ, "Level", "not null")
}

func TestStandardReply_NameUnique(t *testing.T) {
	assertGormTag(t, reflect.TypeOf(StandardReply{}), "Name", "uniqueIndex")
}
