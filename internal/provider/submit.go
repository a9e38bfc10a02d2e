package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/httpclient"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/stream"
)

// Submit performs one request through a. For streaming adapters it emits an
// Initial event before the call, one event per delta and a Complete event at
// the end; the Complete event carries Err and the partial text on failure.
func Submit(ctx context.Context, client *http.Client, a Adapter, req Request, sink Sink) (Result, error) {
	if client == nil {
		client = httpclient.GetDefaultClient()
	}
	if sink == nil {
		sink = func(StreamEvent) {}
	}

	if !a.Streaming() {
		return submitOnce(ctx, client, a, req)
	}

	sink(StreamEvent{RawContent: req.Chunk, Initial: true})
	var content strings.Builder
	fail := func(err error) (Result, error) {
		text := content.String()
		sink(StreamEvent{Content: text, RawContent: req.Chunk, Complete: true, Err: err})
		return Result{Text: text, Parts: []string{text}, Streamed: true}, err
	}

	resp, err := send(ctx, client, a, req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	err = stream.Decode(ctx, resp.Body, a.ExtractStreamDelta, func(delta string) error {
		content.WriteString(delta)
		sink(StreamEvent{Delta: delta, Content: content.String(), RawContent: req.Chunk})
		return nil
	})
	if err != nil {
		return fail(classifyTransport(ctx, a.Name(), err))
	}

	text := content.String()
	if strings.TrimSpace(text) == "" {
		return fail(apperrors.New(apperrors.KindMalformed,
			fmt.Sprintf("%s stream ended without any generated text.", a.Name()), nil))
	}
	logger.Debug("Stream completed", "provider", a.Name(), "chars", len(text))
	sink(StreamEvent{Content: text, RawContent: req.Chunk, Complete: true})
	return Result{Text: text, Parts: []string{text}, Streamed: true}, nil
}

func submitOnce(ctx context.Context, client *http.Client, a Adapter, req Request) (Result, error) {
	resp, err := send(ctx, client, a, req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := httpclient.ReadLimited(resp.Body)
	if err != nil {
		return Result{}, classifyTransport(ctx, a.Name(), err)
	}
	res, err := a.ParseResponse(body)
	if err != nil {
		return Result{}, err
	}
	if res.Text == "" {
		res.Text = JoinParts(res.Parts)
	}
	if len(res.Parts) == 0 {
		res.Parts = []string{res.Text}
	}
	return res, nil
}

// send builds and performs the request. On success the caller owns the body.
func send(ctx context.Context, client *http.Client, a Adapter, req Request) (*http.Response, error) {
	httpReq, err := a.BuildRequest(ctx, req)
	if err != nil {
		var typed *apperrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, classifyTransport(ctx, a.Name(), err)
		}
		return nil, apperrors.New(apperrors.KindFatal,
			fmt.Sprintf("Failed to build %s request.", a.Name()), err)
	}

	resp, err := httpclient.Do(client, httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, a.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		err := a.CheckResponse(resp)
		if err == nil {
			err = apperrors.New(apperrors.KindFatal,
				fmt.Sprintf("%s API error (%d).", a.Name(), resp.StatusCode),
				fmt.Errorf("status=%s", resp.Status))
		}
		return nil, err
	}
	return resp, nil
}

// classifyTransport maps failures that happened below the HTTP status level.
// Errors already classified by an adapter pass through.
func classifyTransport(ctx context.Context, name string, err error) error {
	var typed *apperrors.Error
	if errors.As(err, &typed) && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		return apperrors.New(apperrors.KindCancelled,
			fmt.Sprintf("%s request cancelled.", name),
			fmt.Errorf("%w: %v", ctx.Err(), err))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.New(apperrors.KindNetwork,
			fmt.Sprintf("%s request timed out.", name), err)
	}
	return apperrors.New(apperrors.KindNetwork,
		fmt.Sprintf("%s request failed due to a network error.", name),
		fmt.Errorf("request failed: %w", err))
}
