package git

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneValidatesArguments(t *testing.T) {
	_, err := Clone(context.Background(), " ", t.TempDir(), CloneOptions{})
	assert.EqualError(t, err, "repository URL cannot be empty")
	_, err = Clone(context.Background(), "https://example.com/repo.git", "", CloneOptions{})
	assert.EqualError(t, err, "destination cannot be empty")
}

func TestCloneHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Clone(ctx, "https://example.invalid/repo.git", t.TempDir(), CloneOptions{Ref: "main"})
	assert.Error(t, err)
}
