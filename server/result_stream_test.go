package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ojp-io/ojp/session"
)

func TestConvertDatabaseValueStringifiesBytes(t *testing.T) {
	assert.Equal(t, "hello", convertDatabaseValue([]byte("hello")))
}

func TestConvertDatabaseValuePassesTimeThrough(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now, convertDatabaseValue(now))
}

func TestIsLobTypeRecognizesBackendTypeNames(t *testing.T) {
	assert.True(t, isLobType("LONGBLOB"))
	assert.True(t, isLobType("TEXT"))
	assert.False(t, isLobType("VARCHAR"))
	assert.False(t, isLobType("INT"))
}

func TestExternalizeLobRegistersBytesAndReturnsRef(t *testing.T) {
	registry := session.NewObjectRegistry()

	ref := externalizeLob(registry, []byte("binary payload"), "LONGBLOB")

	assert.Equal(t, "BLOB", ref.Kind)
	assert.EqualValues(t, len("binary payload"), ref.Length)

	stored, ok := registry.GetLob(ref.LobID)
	assert.True(t, ok)
	assert.Equal(t, []byte("binary payload"), stored)
}

func TestExternalizeLobClassifiesClob(t *testing.T) {
	registry := session.NewObjectRegistry()
	ref := externalizeLob(registry, []byte("big text"), "LONGTEXT")
	assert.Equal(t, "CLOB", ref.Kind)
}
