package sipbe

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/crosspoint/crosspoint/internal/backend"
	"github.com/crosspoint/crosspoint/internal/store"
)

// StatusSink receives asynchronous call progress from a backend: answers and
// teardowns that happen on the wire after a placement or retrieval returned.
// Implemented by the calls manager.
type StatusSink interface {
	MarkActive(callID string)
	MarkDisconnected(callID string)
}

// SIPBackend is a call-handling backend that speaks SIP to one provisioned
// peer. Placements become INVITEs toward the peer; incoming calls are
// dialogs the shared server has already parked in the registry.
type SIPBackend struct {
	desc     backend.Descriptor
	username string
	password string

	client *sipgo.Client
	reg    *registry
	status StatusSink
	logger *slog.Logger
}

// ID returns the backend's opaque identity.
func (b *SIPBackend) ID() string { return b.desc.ID }

// Descriptor returns the provisioning descriptor this backend was opened from.
func (b *SIPBackend) Descriptor() backend.Descriptor { return b.desc }

// Close releases the SIP client. Invoked only by the lease tracker once the
// backend has no outstanding references.
func (b *SIPBackend) Close() error {
	b.logger.Info("closing sip backend", "backend", b.desc.Name)
	b.client.Close()
	return nil
}

// Place sends an INVITE for handle toward the peer. It returns once the peer
// has accepted the call for dialing (a provisional or final 2xx response);
// progress past that point is reported through the status sink by a watcher
// goroutine.
func (b *SIPBackend) Place(ctx context.Context, callID, handle string) error {
	recipientStr := fmt.Sprintf("sip:%s@%s", handle, b.desc.Address)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing peer uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport("UDP")

	b.logger.Debug("sending invite",
		"call_id", callID,
		"backend", b.desc.Name,
		"recipient", recipientStr,
	)

	// The watch context outlives Place: it covers the dialing phase and is
	// cancelled by Hangup before answer.
	watchCtx, cancelWatch := context.WithCancel(context.Background())

	tx, err := b.client.TransactionRequest(watchCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		cancelWatch()
		return fmt.Errorf("sending invite: %w", err)
	}

	authed := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			cancelWatch()
			return ctx.Err()
		case <-tx.Done():
			tx.Terminate()
			cancelWatch()
			if txErr := tx.Err(); txErr != nil {
				return fmt.Errorf("invite transaction error: %w", txErr)
			}
			return fmt.Errorf("invite transaction ended without final response")
		case res = <-tx.Responses():
		}

		b.logger.Debug("invite response",
			"call_id", callID,
			"backend", b.desc.Name,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			// 100 Trying — absorb.
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			// Peer accepted the call for dialing. Park the dialog and keep
			// watching for the final response off the placement path.
			d := &dialog{
				sipCallID: sipCallIDOf(req),
				callID:    callID,
				req:       req,
				tx:        tx,
				cancel:    cancelWatch,
			}
			b.reg.add(d)
			go b.watch(watchCtx, d)
			return nil

		case res.StatusCode == 401 || res.StatusCode == 407:
			if authed {
				tx.Terminate()
				cancelWatch()
				return fmt.Errorf("peer rejected credentials")
			}
			authed = true
			tx.Terminate()
			authReq, authTx, err := b.resendWithAuth(watchCtx, req, res, recipientStr)
			if err != nil {
				cancelWatch()
				return err
			}
			req, tx = authReq, authTx
			continue

		case res.StatusCode >= 200 && res.StatusCode < 300:
			// Answered before ringing was reported. Complete the handshake
			// and record the established dialog.
			d := &dialog{
				sipCallID: sipCallIDOf(req),
				callID:    callID,
				req:       req,
				tx:        tx,
				res:       res,
				cancel:    cancelWatch,
			}
			d.setAnswered()
			b.reg.add(d)
			if err := b.ack(req, res); err != nil {
				b.logger.Error("failed to ack", "call_id", callID, "error", err)
			}
			b.status.MarkActive(callID)
			return nil

		case res.StatusCode >= 300:
			tx.Terminate()
			cancelWatch()
			return fmt.Errorf("peer refused call: %d %s", res.StatusCode, res.Reason)
		}
	}
}

// watch follows an accepted outgoing dialog to its final response and reports
// the outcome through the status sink.
func (b *SIPBackend) watch(ctx context.Context, d *dialog) {
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			return
		case <-d.tx.Done():
			d.tx.Terminate()
			b.reg.remove(d)
			b.status.MarkDisconnected(d.callID)
			return
		case res = <-d.tx.Responses():
		}

		switch {
		case res.StatusCode < 200:
			continue

		case res.StatusCode < 300:
			d.mu.Lock()
			d.res = res
			d.answered = true
			d.mu.Unlock()
			if err := b.ack(d.req, res); err != nil {
				b.logger.Error("failed to ack", "call_id", d.callID, "error", err)
			}
			b.status.MarkActive(d.callID)
			return

		default:
			d.tx.Terminate()
			b.reg.remove(d)
			b.logger.Info("outgoing call ended before answer",
				"call_id", d.callID,
				"status", res.StatusCode,
				"reason", res.Reason,
			)
			b.status.MarkDisconnected(d.callID)
			return
		}
	}
}

// resendWithAuth answers a 401/407 digest challenge by re-sending the INVITE
// with computed credentials.
func (b *SIPBackend) resendWithAuth(
	ctx context.Context,
	origReq *sip.Request,
	challengeRes *sip.Response,
	recipientStr string,
) (*sip.Request, sip.ClientTransaction, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challengeRes.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challengeRes.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("peer sent %d but no %s header", challengeRes.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   origReq.Method.String(),
		URI:      recipientStr,
		Username: b.username,
		Password: b.password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := origReq.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := b.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}
	return authReq, authTx, nil
}

// Retrieve fetches the particulars of an incoming call the server has parked,
// correlating through the SIP Call-ID carried in the announcement extras. It
// also signals ringing back to the caller.
func (b *SIPBackend) Retrieve(ctx context.Context, callID string, extras map[string]string) (*backend.CallDetails, error) {
	sipCallID := extras["sip_call_id"]
	if sipCallID == "" {
		return nil, fmt.Errorf("announcement extras missing sip call id")
	}

	d := b.reg.bySIP(sipCallID)
	if d == nil || !d.incoming {
		return nil, fmt.Errorf("no pending incoming dialog for %q", sipCallID)
	}

	b.reg.associate(d, callID)

	ringing := sip.NewResponseFromRequest(d.inviteReq, 180, "Ringing", nil)
	if err := d.inviteTx.Respond(ringing); err != nil {
		return nil, fmt.Errorf("signalling ringing: %w", err)
	}

	details := &backend.CallDetails{}
	if from := d.inviteReq.From(); from != nil {
		details.Handle = from.Address.User
		details.Contact.DisplayName = from.DisplayName
	}
	return details, nil
}

// Answer accepts an incoming call by completing the INVITE with 200 OK.
func (b *SIPBackend) Answer(ctx context.Context, callID string) error {
	d := b.reg.byCall(callID)
	if d == nil || !d.incoming {
		return fmt.Errorf("no incoming dialog for call %s", callID)
	}

	ok := sip.NewResponseFromRequest(d.inviteReq, 200, "OK", nil)
	if err := d.inviteTx.Respond(ok); err != nil {
		return fmt.Errorf("answering call: %w", err)
	}
	d.setAnswered()
	b.status.MarkActive(callID)
	return nil
}

// Reject declines an incoming call with 486 Busy Here.
func (b *SIPBackend) Reject(ctx context.Context, callID string) error {
	d := b.reg.byCall(callID)
	if d == nil || !d.incoming {
		return fmt.Errorf("no incoming dialog for call %s", callID)
	}

	busy := sip.NewResponseFromRequest(d.inviteReq, 486, "Busy Here", nil)
	if err := d.inviteTx.Respond(busy); err != nil {
		return fmt.Errorf("rejecting call: %w", err)
	}
	b.reg.remove(d)
	b.status.MarkDisconnected(callID)
	return nil
}

// Hangup ends a call in whatever phase it is in: CANCEL semantics for an
// unanswered outgoing leg, 487 for an unanswered incoming leg, BYE for an
// established dialog.
func (b *SIPBackend) Hangup(ctx context.Context, callID string) error {
	d := b.reg.byCall(callID)
	if d == nil {
		return fmt.Errorf("no dialog for call %s", callID)
	}

	switch {
	case d.incoming && !d.isAnswered():
		terminated := sip.NewResponseFromRequest(d.inviteReq, 487, "Request Terminated", nil)
		if err := d.inviteTx.Respond(terminated); err != nil {
			b.logger.Error("failed to terminate incoming invite",
				"call_id", callID, "error", err)
		}

	case !d.incoming && !d.isAnswered():
		// Stop watching first so the abandoned transaction does not report
		// a disconnect for a call we are tearing down ourselves.
		if d.cancel != nil {
			d.cancel()
		}
		d.tx.Terminate()

	default:
		if err := b.sendBYE(ctx, d); err != nil {
			b.reg.remove(d)
			b.status.MarkDisconnected(callID)
			return err
		}
	}

	b.reg.remove(d)
	b.status.MarkDisconnected(callID)
	return nil
}

// sendBYE ends an established dialog and waits for the peer's final response.
func (b *SIPBackend) sendBYE(ctx context.Context, d *dialog) error {
	bye := buildBYE(d)
	if bye == nil {
		return fmt.Errorf("dialog for call %s has no established leg", d.callID)
	}

	tx, err := b.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		if txErr := tx.Err(); txErr != nil {
			return fmt.Errorf("bye transaction error: %w", txErr)
		}
		return nil
	case res := <-tx.Responses():
		if res.StatusCode >= 300 {
			b.logger.Warn("peer refused bye",
				"call_id", d.callID, "status", res.StatusCode)
		}
		return nil
	}
}

// ack completes the INVITE handshake for a 2xx. Per RFC 3261 §13.2.2.4 the
// ACK for a 2xx is generated by the UAC core, not the transaction layer.
func (b *SIPBackend) ack(inviteReq *sip.Request, inviteRes *sip.Response) error {
	return b.client.WriteRequest(buildACKFor2xx(inviteReq, inviteRes))
}

// buildACKFor2xx creates an ACK for a 2xx response to an INVITE. The
// Request-URI comes from the Contact in the response when present, otherwise
// from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}

	// From: same as original INVITE. To: from the response, which carries
	// the remote tag.
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRes.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	// CSeq: same sequence number, method changed to ACK.
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())

	return ack
}

// buildBYE creates an in-dialog BYE for an established leg. For an outgoing
// leg the dialog identity comes from our INVITE and the peer's 2xx; for an
// incoming leg the roles are reversed.
func buildBYE(d *dialog) *sip.Request {
	if d.incoming {
		if d.inviteReq == nil {
			return nil
		}
		recipient := &d.inviteReq.Recipient
		if contact := d.inviteReq.Contact(); contact != nil {
			recipient = &contact.Address
		}

		bye := sip.NewRequest(sip.BYE, *recipient.Clone())
		// We are the UAS of this dialog: our local identity is the
		// INVITE's To, the remote identity its From.
		if h := d.inviteReq.To(); h != nil {
			from := sip.FromHeader{
				DisplayName: h.DisplayName,
				Address:     *h.Address.Clone(),
				Params:      h.Params.Clone(),
			}
			bye.AppendHeader(&from)
		}
		if h := d.inviteReq.From(); h != nil {
			to := sip.ToHeader{
				DisplayName: h.DisplayName,
				Address:     *h.Address.Clone(),
				Params:      h.Params.Clone(),
			}
			bye.AppendHeader(&to)
		}
		if h := d.inviteReq.CallID(); h != nil {
			bye.AppendHeader(sip.HeaderClone(h))
		}
		cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
		if h := d.inviteReq.CSeq(); h != nil {
			cseq.SeqNo = h.SeqNo + 1
		}
		bye.AppendHeader(&cseq)
		maxFwd := sip.MaxForwardsHeader(70)
		bye.AppendHeader(&maxFwd)
		bye.SetTransport(d.inviteReq.Transport())
		return bye
	}

	if d.req == nil || d.res == nil {
		return nil
	}
	recipient := &d.req.Recipient
	if contact := d.res.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	if len(d.req.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", d.req, bye)
	}
	if h := d.req.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.res.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := d.req.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	cseq := sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE}
	if h := d.req.CSeq(); h != nil {
		cseq.SeqNo = h.SeqNo + 1
	}
	bye.AppendHeader(&cseq)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	bye.SetTransport(d.req.Transport())
	return bye
}

func sipCallIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// Factory opens SIP backends from provisioning rows. All backends share the
// server's user agent and dialog registry; each gets its own client.
type Factory struct {
	srv    *Server
	status StatusSink
	logger *slog.Logger
}

// NewFactory creates a backend factory bound to the shared SIP server.
func NewFactory(srv *Server, status StatusSink, logger *slog.Logger) *Factory {
	return &Factory{
		srv:    srv,
		status: status,
		logger: logger.With("subsystem", "sip-factory"),
	}
}

// Open builds a live backend for row and probes the peer with OPTIONS so a
// dead peer is absent from the lookup result instead of failing placements
// later.
func (f *Factory) Open(ctx context.Context, row store.Backend) (backend.Backend, error) {
	client, err := sipgo.NewClient(f.srv.ua,
		sipgo.WithClientLogger(f.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	b := &SIPBackend{
		desc: backend.Descriptor{
			ID:       row.ID,
			Name:     row.Name,
			Kind:     row.Kind,
			Address:  row.Address,
			Priority: row.Priority,
		},
		username: row.Username,
		password: row.Password,
		client:   client,
		reg:      f.srv.reg,
		status:   f.status,
		logger:   f.logger.With("backend", row.Name),
	}

	if err := b.probe(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("probing %s: %w", row.Address, err)
	}

	f.srv.registerBackend(hostOf(row.Address), b)
	return b, nil
}

// probe sends OPTIONS to the peer and accepts any final response as proof of
// life.
func (b *SIPBackend) probe(ctx context.Context) error {
	recipientStr := fmt.Sprintf("sip:%s", b.desc.Address)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing peer uri: %w", err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport("UDP")

	tx, err := b.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tx.Done():
		if txErr := tx.Err(); txErr != nil {
			return fmt.Errorf("options transaction error: %w", txErr)
		}
		return fmt.Errorf("options transaction ended without response")
	case res := <-tx.Responses():
		b.logger.Debug("options probe response", "status", res.StatusCode)
		return nil
	}
}
