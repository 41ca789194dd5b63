package wsproto

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/seqlab/presence/services/presence_service/internal/domain/entity"
)

func TestErrorFrameKeepsSentinel(t *testing.T) {
	for _, sentinel := range []error{entity.ErrNotFound, entity.ErrForbidden, entity.ErrDisconnected, entity.ErrInvalidRecord} {
		wrapped := fmt.Errorf("put u1: %w", sentinel)
		f := ErrorFrame("7", wrapped)
		require.Equal(t, TypeError, f.Type)
		require.Equal(t, "7", f.ID)

		var data ErrorData
		require.NoError(t, json.Unmarshal(f.Data, &data))
		require.ErrorIs(t, data.Err(), sentinel)
		require.Equal(t, wrapped.Error(), data.Err().Error())
	}

	data := ErrorData{Error: "boom", Code: CodeInternal}
	require.EqualError(t, data.Err(), "boom")
}
