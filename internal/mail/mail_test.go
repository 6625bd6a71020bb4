package mail

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTransport struct {
	sent []Outgoing
	err  error
}

func (t *recordingTransport) Deliver(_ context.Context, msg Outgoing) error {
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, msg)
	return nil
}

func TestTemplateManager_RenderSample(t *testing.T) {
	tm, err := NewTemplateManager()
	require.NoError(t, err)
	assert.Equal(t, []string{"sample"}, tm.Names())

	r, err := tm.Render("sample", map[string]any{"name": "Ada", "url": "https://example.com/a?b=1&c=2"})
	require.NoError(t, err)

	assert.Equal(t, "Welcome, Ada!", r.Subject)
	assert.Contains(t, r.HTML, "Hi Ada,")
	assert.Contains(t, r.HTML, `href="https://example.com/a?b`)
	assert.Contains(t, r.HTML, "&amp;c", "html output is escaped")
	assert.True(t, strings.HasPrefix(r.Text, "Hi Ada,"))
	assert.Contains(t, r.Text, "https://example.com/a?b=1&c=2")
	assert.True(t, strings.HasSuffix(r.Text, "Your App Team"))
}

func TestTemplateManager_UnknownTemplate(t *testing.T) {
	tm, err := NewTemplateManager()
	require.NoError(t, err)

	_, err = tm.Render("missing", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestLoadTemplates_IncompleteTemplate(t *testing.T) {
	fsys := fstest.MapFS{
		"tpl/welcome.subject.hbs": {Data: []byte("Hi")},
		"tpl/welcome.text.hbs":    {Data: []byte("Hello")},
		"tpl/README.md":           {Data: []byte("ignored")},
	}
	_, err := LoadTemplates(fsys, "tpl")
	assert.Error(t, err)
}

func TestLoadTemplates_ParseError(t *testing.T) {
	fsys := fstest.MapFS{
		"tpl/x.subject.hbs": {Data: []byte("{{#if}")},
		"tpl/x.html.hbs":    {Data: []byte("x")},
		"tpl/x.text.hbs":    {Data: []byte("x")},
	}
	_, err := LoadTemplates(fsys, "tpl")
	assert.Error(t, err)
}

func TestRecipient_JSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Recipient
		str  string
	}{
		{"plain string", `"ada@example.com"`, Recipient{Address: "ada@example.com"}, "ada@example.com"},
		{"object", `{"name":"Ada","address":"ada@example.com"}`, Recipient{Name: "Ada", Address: "ada@example.com"}, `"Ada" <ada@example.com>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Recipient
			require.NoError(t, json.Unmarshal([]byte(tt.in), &r))
			assert.Equal(t, tt.want, r)
			assert.Equal(t, tt.str, r.String())
		})
	}

	var r Recipient
	assert.Error(t, json.Unmarshal([]byte(`42`), &r))
}

func TestService_Send(t *testing.T) {
	tm, err := NewTemplateManager()
	require.NoError(t, err)
	tr := &recordingTransport{}
	svc := NewService(tm, tr, "Blog <no-reply@example.com>", zap.NewNop())

	err = svc.Send(context.Background(), Message{
		To:           Recipient{Address: "test@example.com"},
		TemplateName: "sample",
		Props:        map[string]any{"name": "Test", "url": "https://example.com"},
	})
	require.NoError(t, err)
	require.Len(t, tr.sent, 1)
	assert.Equal(t, "Blog <no-reply@example.com>", tr.sent[0].From)
	assert.Equal(t, "test@example.com", tr.sent[0].To)
	assert.Equal(t, "Welcome, Test!", tr.sent[0].Subject)
}

func TestService_SendErrors(t *testing.T) {
	tm, err := NewTemplateManager()
	require.NoError(t, err)

	boom := errors.New("smtp down")
	svc := NewService(tm, &recordingTransport{err: boom}, "from@example.com", zap.NewNop())

	err = svc.Send(context.Background(), Message{To: Recipient{Address: "a@example.com"}, TemplateName: "sample"})
	assert.ErrorIs(t, err, boom)

	err = svc.Send(context.Background(), Message{TemplateName: "sample"})
	assert.Error(t, err)

	err = svc.Send(context.Background(), Message{To: Recipient{Address: "a@example.com"}, TemplateName: "nope"})
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestLogTransport_Deliver(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := NewLogTransport(zap.New(core))

	require.NoError(t, tr.Deliver(context.Background(), Outgoing{To: "a@example.com", Subject: "Hi"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "a@example.com", logs.All()[0].ContextMap()["to"])
}

func TestMailgunTransport_Deliver(t *testing.T) {
	var gotPath string
	var gotTo string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = r.ParseMultipartForm(1 << 20)
		gotTo = r.FormValue("to")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"<20260101.1@mg.example.com>","message":"Queued. Thank you."}`))
	}))
	defer srv.Close()

	tr := NewMailgunTransport("mg.example.com", "key-test", zap.NewNop())
	tr.SetAPIBase(srv.URL + "/v3")

	err := tr.Deliver(context.Background(), Outgoing{
		From:    "no-reply@mg.example.com",
		To:      "ada@example.com",
		Subject: "Welcome",
		Text:    "hello",
		HTML:    "<p>hello</p>",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(gotPath, "/messages"), gotPath)
	assert.Equal(t, "ada@example.com", gotTo)
}
