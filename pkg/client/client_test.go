package client

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/relay-x-project/relay/broker"
	"github.com/relay-x-project/relay/core/envelope"
	"github.com/relay-x-project/relay/core/identity"
	"github.com/relay-x-project/relay/core/msgjwt"
	"github.com/relay-x-project/relay/internal/logger"
	"github.com/relay-x-project/relay/pkg/client/hybrid"
)

type testBed struct {
	brokerID identity.BrokerID
	issuer   *Client
	worker   *Client
	issuerID identity.AppOrProxyID
	workerID identity.AppOrProxyID
}

func newTestBed(t *testing.T) *testBed {
	t.Helper()
	brokerID, err := identity.NewBrokerID("broker23.example.org")
	require.NoError(t, err)
	store := msgjwt.NewMemoryKeyStore()

	mkClient := func(url, name string) (*Client, identity.AppOrProxyID) {
		id, err := identity.ParseAppOrProxyID(name, brokerID)
		require.NoError(t, err)
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		store.Put(id.Proxy(), pub)
		return New(url, msgjwt.NewSigner(id, priv)), id
	}

	srv := broker.New(msgjwt.NewVerifier(brokerID, store), logger.Nop(), broker.Options{})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	issuer, issuerID := mkClient(ts.URL, "app1.proxy42.broker23.example.org")
	worker, workerID := mkClient(ts.URL, "app1.proxy23.broker23.example.org")
	return &testBed{
		brokerID: brokerID,
		issuer:   issuer,
		worker:   worker,
		issuerID: issuerID,
		workerID: workerID,
	}
}

func TestTaskRoundtripThroughSDK(t *testing.T) {
	tb := newTestBed(t)
	ctx := context.Background()

	// Worker publishes its body-encryption key out of band.
	workerPub, workerPriv, err := hybrid.GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte(`{"op":"count-patients"}`)
	body, err := hybrid.Seal(plaintext, []hybrid.Recipient{{ID: tb.workerID.String(), Pub: workerPub}})
	require.NoError(t, err)

	task := &envelope.TaskRequest{
		ID:        envelope.NewMsgID(),
		From:      tb.issuerID,
		To:        []identity.AppOrProxyID{tb.workerID},
		TTL:       envelope.Duration(time.Minute),
		CreatedAt: time.Now().UTC(),
		Body:      body,
		Failure:   envelope.Discard(),
	}
	require.NoError(t, tb.issuer.PostTask(ctx, task))

	t.Run("duplicate post surfaces 409", func(t *testing.T) {
		err := tb.issuer.PostTask(ctx, task)
		var se *StatusError
		require.ErrorAs(t, err, &se)
		require.Equal(t, 409, se.Code)
	})

	// Worker lists its todo queue and decrypts the body.
	tasks, partial, err := tb.worker.ListTasks(ctx, TaskQuery{Todo: true}, Block{WaitCount: 1, WaitTime: 5 * time.Second})
	require.NoError(t, err)
	require.False(t, partial)
	require.Len(t, tasks, 1)

	got, err := hybrid.Open(tasks[0].Msg.Body, tb.workerID.String(), workerPriv)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// Worker answers; issuer polls.
	created, err := tb.worker.PutResult(ctx, &envelope.TaskResult{
		From:   tb.workerID,
		To:     []identity.AppOrProxyID{tb.issuerID},
		Task:   task.ID,
		Status: envelope.StatusSucceeded,
	})
	require.NoError(t, err)
	require.True(t, created)

	results, partial, err := tb.issuer.PollResults(ctx, task.ID, Block{WaitCount: 1, WaitTime: 5 * time.Second})
	require.NoError(t, err)
	require.False(t, partial)
	require.Len(t, results, 1)
	require.Equal(t, envelope.StatusSucceeded, results[0].Msg.Status)

	t.Run("replacement is not created", func(t *testing.T) {
		created, err := tb.worker.PutResult(ctx, &envelope.TaskResult{
			From:   tb.workerID,
			To:     []identity.AppOrProxyID{tb.issuerID},
			Task:   task.ID,
			Status: envelope.StatusSucceeded,
		})
		require.NoError(t, err)
		require.False(t, created)
	})

	t.Run("partial flag on deadline", func(t *testing.T) {
		_, partial, err := tb.issuer.PollResults(ctx, task.ID, Block{WaitCount: 2, WaitTime: 200 * time.Millisecond})
		require.NoError(t, err)
		require.True(t, partial)
	})
}

func TestSocketThroughSDK(t *testing.T) {
	tb := newTestBed(t)
	ctx := context.Background()

	sock := &envelope.SocketRequest{
		ID:        envelope.NewMsgID(),
		From:      tb.issuerID,
		To:        []identity.AppOrProxyID{tb.workerID},
		TTL:       envelope.Duration(time.Minute),
		CreatedAt: time.Now().UTC(),
		Secret:    "bootstrap",
	}
	require.NoError(t, tb.issuer.PostSocket(ctx, sock))

	type res struct {
		conn *websocket.Conn
		err  error
	}
	issuerCh := make(chan res, 1)
	go func() {
		conn, err := tb.issuer.DialSocket(ctx, sock.ID)
		issuerCh <- res{conn, err}
	}()

	time.Sleep(100 * time.Millisecond)
	workerConn, err := tb.worker.DialSocket(ctx, sock.ID)
	require.NoError(t, err)
	defer workerConn.Close()

	issuerRes := <-issuerCh
	require.NoError(t, issuerRes.err)
	defer issuerRes.conn.Close()

	require.NoError(t, issuerRes.conn.WriteMessage(websocket.BinaryMessage, []byte("tunnel hello")))
	_, data, err := workerConn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("tunnel hello"), data)
}
