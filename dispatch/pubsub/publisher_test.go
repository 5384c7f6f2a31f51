// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/changkun/monsched"
)

func newTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	topic, err := client.CreateTopic(ctx, "runs")
	require.NoError(t, err)
	return srv, topic
}

func TestPublishCarriesRunAndAttributes(t *testing.T) {
	srv, topic := newTopic(t)
	p := New(topic, zap.NewNop())
	defer p.Close()

	run := &monsched.Run{
		ID:             "run-1",
		MonitorID:      "m-1",
		UserID:         "u-1",
		Site:           "ebay",
		Status:         monsched.StatusThrottled,
		RetryCount:     2,
		ThrottleReason: monsched.ReasonUserBucket,
		NextRetryAt:    time.Unix(1700000090, 0).UTC(),
		CreatedAt:      time.Unix(1700000000, 0).UTC(),
	}
	id, err := p.Publish(context.Background(), EventStart, run)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]string{
		AttrEvent:       EventStart,
		AttrStatus:      "throttled",
		AttrMonitorID:   "m-1",
		AttrMarketplace: "ebay",
		AttrRetryCount:  "2",
	}, msgs[0].Attributes)

	var got monsched.Run
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	assert.Equal(t, *run, got)
}

func TestHooksPublishStartAndUpdate(t *testing.T) {
	srv, topic := newTopic(t)
	p := New(topic, zap.NewNop())
	defer p.Close()

	hooks := p.Hooks()
	run := &monsched.Run{ID: "run-2", MonitorID: "m-2", Site: "etsy", Status: monsched.StatusPending}
	require.NoError(t, hooks.OnJobStart(context.Background(), run))
	run.Status = monsched.StatusCompleted
	require.NoError(t, hooks.OnJobUpdate(context.Background(), run))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	events := []string{msgs[0].Attributes[AttrEvent], msgs[1].Attributes[AttrEvent]}
	assert.ElementsMatch(t, []string{EventStart, EventUpdate}, events)
}

func TestPublishWithoutTopic(t *testing.T) {
	p := New(nil, zap.NewNop())
	_, err := p.Publish(context.Background(), EventStart, &monsched.Run{})
	assert.Error(t, err)
}
