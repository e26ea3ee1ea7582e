package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rbaliyan/courier/backend"
)

const messagesQuery = `
query GetMessages($params: FilterParamsInput, $limit: Int = 24, $after: String) {
	count(params: $params)
	messages(params: $params, limit: $limit, after: $after) {
		totalCount
		pageInfo {
			startCursor
			hasNextPage
		}
		nodes {
			messageId
			read
			opened
			created
			title
			preview
			data
		}
	}
}`

// Per-message actions. Each takes a single $messageId variable.
const (
	readMutation   = `mutation TrackEvent($messageId: String!) { read(messageId: $messageId) }`
	unreadMutation = `mutation TrackEvent($messageId: String!) { unread(messageId: $messageId) }`
	openMutation   = `mutation TrackEvent($messageId: String!) { opened(messageId: $messageId) }`
	clickMutation  = `mutation TrackEvent($messageId: String!, $trackingId: String!) { clicked(messageId: $messageId, trackingId: $trackingId) }`
)

var errMissingData = errors.New("response has no data")

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type messageNode struct {
	MessageID string         `json:"messageId"`
	Read      *string        `json:"read"`
	Opened    *string        `json:"opened"`
	Created   string         `json:"created"`
	Title     string         `json:"title"`
	Preview   string         `json:"preview"`
	Data      map[string]any `json:"data"`
}

type messagesResponse struct {
	Data *struct {
		Count    int `json:"count"`
		Messages struct {
			TotalCount int `json:"totalCount"`
			PageInfo   struct {
				StartCursor string `json:"startCursor"`
				HasNextPage bool   `json:"hasNextPage"`
			} `json:"pageInfo"`
			Nodes []messageNode `json:"nodes"`
		} `json:"messages"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// compactQuery collapses a multi-line query onto one line.
func compactQuery(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

// graphQL posts a query to the inbox endpoint. GraphQL errors reported in a
// 200 response are returned as a RemoteError.
func (c *Client) graphQL(ctx context.Context, op string, creds backend.Credentials, query string, vars map[string]any, out any) error {
	body, err := c.do(ctx, request{
		op:      op,
		method:  http.MethodPost,
		url:     c.inboxURL,
		headers: userHeaders(creds),
		body:    graphQLRequest{Query: compactQuery(query), Variables: vars},
	})
	if err != nil {
		return err
	}

	var envelope struct {
		Errors []graphQLError `json:"errors"`
	}
	if err := decode(op, body, &envelope); err != nil {
		return err
	}
	if len(envelope.Errors) > 0 {
		return graphQLRemoteError(envelope.Errors)
	}
	if out == nil {
		return nil
	}
	return decode(op, body, out)
}

func graphQLRemoteError(errs []graphQLError) *backend.RemoteError {
	first := errs[0]
	remoteErr := &backend.RemoteError{
		StatusCode: http.StatusOK,
		Type:       first.Extensions.Code,
		Message:    first.Message,
	}
	switch first.Extensions.Code {
	case "UNAUTHENTICATED":
		remoteErr.StatusCode = http.StatusUnauthorized
	case "NOT_FOUND":
		remoteErr.StatusCode = http.StatusNotFound
	case "BAD_USER_INPUT":
		if strings.Contains(strings.ToLower(first.Message), "cursor") {
			remoteErr.Type = backend.TypeInvalidCursor
		}
		remoteErr.StatusCode = http.StatusBadRequest
	}
	return remoteErr
}

// FetchMessages returns one page of the user's inbox.
func (c *Client) FetchMessages(ctx context.Context, creds backend.Credentials, req backend.PageRequest) (*backend.Page, error) {
	vars := map[string]any{
		"limit":  req.Limit,
		"params": map[string]any{},
	}
	if req.Cursor != "" {
		vars["after"] = req.Cursor
	}

	var resp messagesResponse
	if err := c.graphQL(ctx, "fetch messages", creds, messagesQuery, vars, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, &backend.DecodeError{Op: "fetch messages", Err: errMissingData}
	}

	msgs := resp.Data.Messages
	page := &backend.Page{
		Messages:    make([]backend.Message, 0, len(msgs.Nodes)),
		CanPaginate: msgs.PageInfo.HasNextPage,
		UnreadCount: resp.Data.Count,
	}
	if msgs.PageInfo.HasNextPage {
		page.Cursor = msgs.PageInfo.StartCursor
	}
	for _, n := range msgs.Nodes {
		m, err := n.toMessage()
		if err != nil {
			return nil, &backend.DecodeError{Op: "fetch messages", Err: err}
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

func (n messageNode) toMessage() (backend.Message, error) {
	m := backend.Message{
		ID:     n.MessageID,
		Title:  n.Title,
		Body:   n.Preview,
		Data:   n.Data,
		Read:   n.Read != nil && *n.Read != "",
		Opened: n.Opened != nil && *n.Opened != "",
	}
	if n.Created != "" {
		t, err := time.Parse(time.RFC3339Nano, n.Created)
		if err != nil {
			return backend.Message{}, err
		}
		m.CreatedAt = t
	}
	return m, nil
}

func (c *Client) messageAction(ctx context.Context, op, mutation string, creds backend.Credentials, messageID string) error {
	vars := map[string]any{"messageId": messageID}
	if mutation == clickMutation {
		vars["trackingId"] = ""
	}
	return c.graphQL(ctx, op, creds, mutation, vars, nil)
}

// ReadMessage marks a message read.
func (c *Client) ReadMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return c.messageAction(ctx, "read message", readMutation, creds, messageID)
}

// UnreadMessage marks a message unread.
func (c *Client) UnreadMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return c.messageAction(ctx, "unread message", unreadMutation, creds, messageID)
}

// ClickMessage records a click on a message.
func (c *Client) ClickMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return c.messageAction(ctx, "click message", clickMutation, creds, messageID)
}

// OpenMessage records that a message was opened.
func (c *Client) OpenMessage(ctx context.Context, creds backend.Credentials, messageID string) error {
	return c.messageAction(ctx, "open message", openMutation, creds, messageID)
}
