package bpfloader

import (
	"testing"

	"github.com/mrzor/udplat/internal/stage"

	"github.com/stretchr/testify/assert"
)

func TestAttach_UnsupportedKind(t *testing.T) {
	_, err := attach(stage.AttachPoint{Kind: "uprobe", Symbol: "main"}, nil)
	assert.ErrorContains(t, err, "unsupported attach kind")
}

func TestClose_Empty(t *testing.T) {
	l := &Loader{table: stage.Default()}
	assert.NoError(t, l.Close())
	assert.NoError(t, l.Close())
}
