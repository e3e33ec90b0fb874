package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRelation_TagsDbIDAndRelID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	log := WithRelation(WithComponent("vacuum"), 5, 16401)
	log.Info().Msg("extent grown")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	require.Equal(t, "vacuum", fields["component"])
	require.Equal(t, float64(5), fields["db_id"])
	require.Equal(t, float64(16401), fields["rel_id"])
}

func TestWithJobID_TagsJobID(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	log := WithJobID(WithComponent("poolsweep"), "vacuum/1.100")
	log.Warn().Msg("dropping job")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	require.Equal(t, "vacuum/1.100", fields["job_id"])
}

func TestWithXid_TagsXid(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	log := WithXid(WithComponent("xlog-recovery"), 800)
	log.Debug().Msg("rewrote to aborted")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	require.Equal(t, float64(800), fields["xid"])
}
