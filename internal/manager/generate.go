package manager

import (
	"context"

	"vlmd/internal/engine"
	"vlmd/internal/prompt"
	"vlmd/pkg/types"
)

// Generate starts decoding a response to p against the loaded model. Exactly
// one generation may run at a time; a second call while one is active fails
// fast with a busy error. The returned Stream delivers token events in
// order; the final event carries the stop reason.
//
// ctx cancels the generation the same way Stream.Cancel does.
func (m *Manager) Generate(ctx context.Context, p prompt.Prompt) (*Stream, error) {
	// Admission: take the single-flight slot or refuse. Never queue. The slot
	// is taken before the state read because Unload also holds it while it
	// frees the handle; owning the slot is what keeps the handle alive from
	// here until run's deferred release.
	select {
	case m.genCh <- struct{}{}:
	default:
		metricBusyRejections.Inc()
		return nil, busyError{}
	}

	m.mu.RLock()
	state := m.state
	handle := m.handle
	maxTokens := m.cfg.Model.MaxTokens
	m.mu.RUnlock()
	if state != StateLoaded || handle == nil {
		<-m.genCh
		return nil, invalidStateError{op: "generate", state: state}
	}

	es, err := handle.NewSession()
	if err != nil {
		<-m.genCh
		return nil, err
	}

	sess := newInferenceSession()
	st := newStream(sess)

	m.log.Debug().Str("session_id", sess.id).Msg("generation admitted")
	m.publisher.Publish(Event{Name: "generate_start", Fields: map[string]any{"session_id": sess.id}})

	go m.run(ctx, st, sess, es, handle, p, maxTokens)
	return st, nil
}

// run is the decode goroutine. It owns the engine session and the stream's
// send side; nothing else touches either until it returns.
func (m *Manager) run(ctx context.Context, st *Stream, sess *InferenceSession, es engine.Session, handle engine.Handle, p prompt.Prompt, maxTokens int) {
	defer func() {
		_ = es.Close()
		<-m.genCh
		sess.finish()
	}()

	emitted, reason, genErr := m.evalAndDecode(ctx, st, sess, es, handle, p, maxTokens)

	final := types.TokenEvent{Seq: emitted, Final: true, Reason: reason}
	// The final event is always delivered to a draining consumer, including
	// after Cancel. Only the request context abandons it, so a consumer that
	// walked away entirely cannot pin the handle forever.
	select {
	case st.ch <- final:
	case <-ctx.Done():
	}
	st.err = genErr
	close(st.ch)

	m.gensTotal.Add(1)
	metricGenerations.WithLabelValues(string(reason)).Inc()

	evt := m.log.Info().Str("session_id", sess.id).Str("reason", string(reason)).Int("tokens", emitted)
	if genErr != nil {
		evt = m.log.Error().Err(genErr).Str("session_id", sess.id).Str("reason", string(reason)).Int("tokens", emitted)
	}
	evt.Msg("generation finished")
	m.publisher.Publish(Event{Name: "generate_done", Fields: map[string]any{
		"session_id": sess.id, "reason": string(reason), "tokens": emitted,
	}})
}

func (m *Manager) evalAndDecode(ctx context.Context, st *Stream, sess *InferenceSession, es engine.Session, handle engine.Handle, p prompt.Prompt, maxTokens int) (int, types.StopReason, error) {
	nCtx := handle.ContextSize()

	// Prompt ingestion: evaluate chunks in order, advancing the position
	// counter by however many positions each chunk consumed.
	for _, c := range p.Chunks {
		if sess.isCancelled() || ctx.Err() != nil {
			return 0, types.StopCancelled, nil
		}
		var (
			used int
			err  error
		)
		switch c.Kind {
		case prompt.ChunkImage:
			used, err = es.EvalImage(c.Image, sess.nPast)
		default:
			used, err = es.EvalText(c.Text, sess.nPast)
		}
		if err != nil {
			return 0, types.StopError, err
		}
		sess.nPast += used
		if sess.nPast >= nCtx {
			return 0, types.StopError, contextOverflowError{nPast: sess.nPast, nCtx: nCtx}
		}
	}

	// Decode loop: one sampled token per iteration until EOG, the token
	// budget, cancellation, or context exhaustion.
	seq := 0
	for {
		if sess.isCancelled() || ctx.Err() != nil {
			return seq, types.StopCancelled, nil
		}
		if seq >= maxTokens {
			return seq, types.StopMaxTokens, nil
		}
		if sess.nPast+1 > nCtx {
			return seq, types.StopError, contextOverflowError{nPast: sess.nPast, nCtx: nCtx}
		}

		piece, eog, err := es.Step()
		if err != nil {
			return seq, types.StopError, err
		}
		if eog {
			return seq, types.StopEOS, nil
		}
		sess.nPast++

		select {
		case st.ch <- types.TokenEvent{Seq: seq, Text: piece}:
		case <-sess.cancel:
			return seq, types.StopCancelled, nil
		case <-ctx.Done():
			return seq, types.StopCancelled, nil
		}
		seq++
		m.tokensTotal.Add(1)
		metricTokens.Inc()
	}
}
