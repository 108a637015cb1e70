package protocol

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeekType(t *testing.T) {
	typ, err := PeekType([]byte(`{"type":"chat","message":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, TypeChat, typ)

	_, err = PeekType([]byte(`not json`))
	require.Error(t, err)
}

func TestDispatcherRoutesByType(t *testing.T) {
	d := NewDispatcher()
	var got string
	d.RegisterFunc(TypeChat, func(ctx context.Context, raw json.RawMessage) error {
		var frame ChatFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return err
		}
		got = frame.Message
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), []byte(`{"type":"chat","message":"hello"}`)))
	require.Equal(t, "hello", got)
}

func TestDispatcherUnknownType(t *testing.T) {
	d := NewDispatcher()
	err := d.Dispatch(context.Background(), []byte(`{"type":"mystery"}`))
	require.ErrorIs(t, err, ErrUnknownFrameType)
}

func TestDispatcherMalformedFrame(t *testing.T) {
	d := NewDispatcher()
	err := d.Dispatch(context.Background(), []byte(`{{{`))
	require.ErrorIs(t, err, ErrProtocol)
}

func TestFrameRoundTrips(t *testing.T) {
	duration := int64(42)
	frames := []any{
		HandshakeFrame{Type: TypeHandshake, PermissionMode: PermissionModePlan, PageURL: "https://x/", TabID: "t1"},
		StreamControlFrame{Type: TypeStreamControl, Action: StreamCompleted, StreamID: "r1", Metadata: &StreamMetadata{DurationMS: 120}},
		ToolActivityFrame{Type: TypeToolActivity, ToolID: "tool-1", ToolName: "Bash", Status: ToolCompleted, DurationMS: &duration},
	}
	for _, frame := range frames {
		data, err := json.Marshal(frame)
		require.NoError(t, err)
		typ, err := PeekType(data)
		require.NoError(t, err)
		require.NotEmpty(t, typ)
	}
}
