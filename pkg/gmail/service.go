package gmail

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "github.com/LiamHillier/invoice-tracker/internal/account/domain"
	invoicedomain "github.com/LiamHillier/invoice-tracker/internal/invoice/domain"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// TokenUpdateFunc is a callback that persists refreshed tokens back onto
// the account record.
type TokenUpdateFunc func(token *oauth2.Token) error

type Service struct {
	clientID         string
	clientSecret     string
	processedLabelID string
}

func NewService(clientID, clientSecret, processedLabelID string) *Service {
	return &Service{
		clientID:         clientID,
		clientSecret:     clientSecret,
		processedLabelID: processedLabelID,
	}
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			log.Printf("[Gmail] failed to persist refreshed token: %v", err)
		}
	}
	return t, nil
}

// Session is an authorized Gmail connection for one account.
type Session struct {
	svc              *gmail.Service
	processedLabelID string
}

// Authenticate builds a Gmail session from the account's token pair. An
// expired access token without a refresh token is unrecoverable and
// surfaces as ErrAuth so the caller aborts the account's scan.
func (s *Service) Authenticate(ctx context.Context, account *accountdomain.Account, onTokenRefresh TokenUpdateFunc) (*Session, error) {
	if account.AccessToken == "" && account.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %s has no tokens", invoicedomain.ErrAuth, account.ID)
	}
	if account.RefreshToken == "" && !account.TokenExpiry.IsZero() && account.TokenExpiry.Before(time.Now()) {
		return nil, fmt.Errorf("%w: access token expired and no refresh token", invoicedomain.ErrAuth)
	}

	token := &oauth2.Token{
		AccessToken:  account.AccessToken,
		RefreshToken: account.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       account.TokenExpiry,
	}

	config := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}

	// Wrap the token source so refreshes are persisted back to the account.
	wrappedSource := &notifyTokenSource{
		src:      config.TokenSource(ctx, token),
		current:  token,
		callback: onTokenRefresh,
	}

	client := oauth2.NewClient(ctx, wrappedSource)

	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}

	return &Session{svc: srv, processedLabelID: s.processedLabelID}, nil
}

// Search lists message stubs matching the query. Paging is deterministic:
// the same pageToken yields the same page, subject to provider-side
// eventual consistency which the orchestrator tolerates.
func (s *Session) Search(ctx context.Context, query string, maxResults int64, pageToken string) ([]invoicedomain.MessageStub, string, int64, error) {
	if maxResults <= 0 {
		maxResults = 100
	}
	if maxResults > 500 {
		maxResults = 500 // Gmail API maximum
	}

	call := s.svc.Users.Messages.List("me").Q(query).MaxResults(maxResults).Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", 0, mapError(err)
	}

	stubs := make([]invoicedomain.MessageStub, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg.Id == "" {
			continue
		}
		stubs = append(stubs, invoicedomain.MessageStub{
			ID:       msg.Id,
			ThreadID: msg.ThreadId,
		})
	}

	return stubs, resp.NextPageToken, resp.ResultSizeEstimate, nil
}

// FetchFull retrieves one message with headers, body text and decoded
// attachments.
func (s *Session) FetchFull(ctx context.Context, messageID string) (*invoicedomain.CandidateMessage, error) {
	msg, err := s.svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, mapError(err)
	}
	if msg.Id == "" || msg.Payload == nil {
		return nil, fmt.Errorf("%w: message %s has no payload", invoicedomain.ErrMalformedMessage, messageID)
	}

	candidate := convertMessage(msg)

	attachments, err := s.fetchAttachments(ctx, msg)
	if err != nil {
		// Attachments are best-effort: body-only extraction still works.
		log.Printf("[Gmail] failed to fetch attachments for %s: %v", messageID, err)
	}
	candidate.Attachments = attachments

	return candidate, nil
}

// fetchAttachments enumerates allow-listed attachment parts and decodes
// their payloads. Parts over the size ceiling or outside the allow-list
// are skipped.
func (s *Session) fetchAttachments(ctx context.Context, msg *gmail.Message) ([]invoicedomain.Attachment, error) {
	var attachments []invoicedomain.Attachment
	var firstErr error

	for _, part := range attachmentParts(msg.Payload) {
		body, err := s.svc.Users.Messages.Attachments.Get("me", msg.Id, part.Body.AttachmentId).Context(ctx).Do()
		if err != nil {
			if firstErr == nil {
				firstErr = mapError(err)
			}
			continue
		}
		data, err := decodeBase64URL(body.Data)
		if err != nil {
			continue
		}
		attachments = append(attachments, invoicedomain.Attachment{
			Filename: part.Filename,
			MimeType: part.MimeType,
			Data:     data,
		})
	}

	return attachments, firstErr
}

// MarkHandled applies the processed label (and clears UNREAD) so the
// message drops out of future provider-side searches that filter on it.
// Idempotent; callers treat failure as log-only.
func (s *Session) MarkHandled(ctx context.Context, messageID string) error {
	modifyReq := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}
	if s.processedLabelID != "" {
		modifyReq.AddLabelIds = []string{s.processedLabelID}
	}

	_, err := s.svc.Users.Messages.Modify("me", messageID, modifyReq).Context(ctx).Do()
	if err != nil {
		return mapError(err)
	}
	return nil
}

// mapError folds Gmail API failures into the pipeline error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	// A failed token refresh surfaces as a RetrieveError (inside a
	// url.Error), not a googleapi.Error. A rejected grant is unrecoverable
	// without re-consent; only a token-endpoint 5xx is worth retrying.
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: %v", invoicedomain.ErrTransientProvider, err)
		}
		return fmt.Errorf("%w: %v", invoicedomain.ErrAuth, err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			return fmt.Errorf("%w: %v", invoicedomain.ErrAuth, err)
		case gerr.Code == 429 || gerr.Code >= 500:
			return fmt.Errorf("%w: %v", invoicedomain.ErrTransientProvider, err)
		default:
			return err
		}
	}
	// Network failures and timeouts are retryable by the caller.
	return fmt.Errorf("%w: %v", invoicedomain.ErrTransientProvider, err)
}
