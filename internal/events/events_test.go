package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levitate/musicgen/internal/model"
)

func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)

	conn, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}
	return natsServer, conn
}

func TestPublisher_PublishesLifecycle(t *testing.T) {
	natsServer, conn := startTestServer(t)
	defer natsServer.Shutdown()
	defer conn.Close()

	sub, err := conn.SubscribeSync("musicgen.jobs.job-1.>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	p := NewPublisher(conn, "", zerolog.Nop())
	p.JobProgress("job-1", 40, model.JobStatusProcessing, "generating")
	p.JobCompleted(&model.GenerationJob{ID: "job-1", SourceAssetID: "a1", Status: model.JobStatusCompleted, Progress: 100})
	p.JobFailed("job-1", model.JobError{Code: model.JobErrorTimeout, Message: "too slow"})
	require.NoError(t, conn.Flush())

	expect := []struct {
		subject string
		check   func(e JobEvent)
	}{
		{"musicgen.jobs.job-1.progress", func(e JobEvent) {
			assert.Equal(t, 40, e.Progress)
			assert.Equal(t, "generating", e.CurrentStep)
		}},
		{"musicgen.jobs.job-1.completed", func(e JobEvent) {
			assert.Equal(t, "/api/download/job-1", e.DownloadURL)
			assert.Equal(t, "a1", e.AssetID)
		}},
		{"musicgen.jobs.job-1.failed", func(e JobEvent) {
			require.NotNil(t, e.Error)
			assert.Equal(t, model.JobErrorTimeout, e.Error.Code)
		}},
	}
	for _, want := range expect {
		msg, err := sub.NextMsg(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want.subject, msg.Subject)

		var e JobEvent
		require.NoError(t, json.Unmarshal(msg.Data, &e))
		assert.Equal(t, "job-1", e.JobID)
		want.check(e)
	}
}

type recorder struct {
	progress []int
	done     int
	failed   []string
}

func (r *recorder) JobProgress(_ string, p int, _ model.JobStatus, _ string) {
	r.progress = append(r.progress, p)
}
func (r *recorder) JobCompleted(*model.GenerationJob)  { r.done++ }
func (r *recorder) JobFailed(_ string, e model.JobError) { r.failed = append(r.failed, e.Code) }

func TestMulti_FansOutAndSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	m.JobProgress("j", 10, model.JobStatusProcessing, "")
	m.JobCompleted(&model.GenerationJob{ID: "j"})
	m.JobFailed("j", model.JobError{Code: model.JobErrorDecode})

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []int{10}, r.progress)
		assert.Equal(t, 1, r.done)
		assert.Equal(t, []string{model.JobErrorDecode}, r.failed)
	}
}
