// Package mcpserver registers MCP tools that expose the chat store to
// agents. It is a rendering layer: it reads store snapshots and issues
// store operations, nothing more.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/chat-sync/internal/gateway"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
)

const (
	defaultReadLimit = 50
	maxReadLimit     = 200
	previewLen       = 80
)

// Store is the part of the synchronization store the tools use.
type Store interface {
	Channels() []models.Channel
	Messages(channelID string) []models.Message
	SyncState(channelID string) models.ChannelSyncState
	CurrentChannel() string
	Status() store.Status
	FetchMessages(ctx context.Context, channelID string, opts store.FetchOptions) ([]models.Message, error)
	FetchOlder(ctx context.Context, channelID string) ([]models.Message, error)
	SelectChannel(ctx context.Context, channelID string) error
	SendMessage(ctx context.Context, content string, files []models.File) (models.Message, error)
	RetryMessage(ctx context.Context, messageID string) (models.Message, error)
	Search(query, channelID string, maxResults int) store.SearchResult
}

// Gateway reports the realtime connection state.
type Gateway interface {
	State() gateway.ConnState
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Store, gw Gateway) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_channels",
		Description: "List every known channel with its type, member count and a preview of the last message.",
	}, listChannelsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Read the most recent messages of a channel, oldest first. Set older=true to page further back in history.",
	}, readMessagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_select_channel",
		Description: "Make a channel current. Sending and live updates apply to the current channel.",
	}, selectChannelHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a text message. Sends to channel_id when given (selecting it), otherwise to the current channel.",
	}, sendMessageHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_retry_message",
		Description: "Retry a failed message in the current channel by its id.",
	}, retryMessageHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search_messages",
		Description: "Search loaded history by author name or message text, case-insensitively. Returns newest matches first with a snippet around each hit.",
	}, searchMessagesHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Show connection state, the current channel, cache sizes and the last error.",
	}, statusHandler(s, gw))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListChannelsInput has no parameters.
type ListChannelsInput struct{}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ChannelID string `json:"channel_id" jsonschema:"required,channel id"`
	Limit     int    `json:"limit,omitempty" jsonschema:"number of most recent messages to return, defaults to 50"`
	Older     bool   `json:"older,omitempty" jsonschema:"load the page before the oldest loaded message first"`
}

// SelectChannelInput holds parameters for chat_select_channel.
type SelectChannelInput struct {
	ChannelID string `json:"channel_id" jsonschema:"required,channel id"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ChannelID string `json:"channel_id,omitempty" jsonschema:"target channel id, defaults to the current channel"`
	Content   string `json:"content" jsonschema:"required,message text"`
}

// RetryMessageInput holds parameters for chat_retry_message.
type RetryMessageInput struct {
	MessageID string `json:"message_id" jsonschema:"required,id of the failed message"`
}

// SearchMessagesInput holds parameters for chat_search_messages.
type SearchMessagesInput struct {
	Query      string `json:"query" jsonschema:"required,text to look for in author names and message content"`
	ChannelID  string `json:"channel_id,omitempty" jsonschema:"limit the search to one channel"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// --- Output types ---

// ChannelSummary is one entry of chat_list_channels.
type ChannelSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	MemberCount int    `json:"member_count"`
	LastMessage string `json:"last_message,omitempty"`
	Current     bool   `json:"current,omitempty"`
}

// ListChannelsResult is the output of chat_list_channels.
type ListChannelsResult struct {
	Channels []ChannelSummary `json:"channels"`
}

// MessageView is a message as shown to agents.
type MessageView struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	Edited      bool      `json:"edited,omitempty"`
	Status      string    `json:"status"`
	Attachments []string  `json:"attachments,omitempty"`
}

// ReadMessagesResult is the output of chat_read_messages.
type ReadMessagesResult struct {
	ChannelID string        `json:"channel_id"`
	Messages  []MessageView `json:"messages"`
	Total     int           `json:"total_loaded"`
	HasMore   bool          `json:"has_more"`
}

// SelectChannelResult is the output of chat_select_channel.
type SelectChannelResult struct {
	ChannelID string `json:"channel_id"`
	Loaded    int    `json:"messages_loaded"`
}

// StatusResult is the output of chat_status.
type StatusResult struct {
	Connection       string `json:"connection"`
	CurrentChannel   string `json:"current_channel,omitempty"`
	Channels         int    `json:"channels"`
	Messages         int    `json:"messages"`
	PendingSends     int    `json:"pending_sends"`
	IsSendingMessage bool   `json:"is_sending_message"`
	LastError        string `json:"last_error,omitempty"`
	Version          uint64 `json:"version"`
}

// --- Handlers ---

func listChannelsHandler(s Store) mcp.ToolHandlerFor[ListChannelsInput, *ListChannelsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListChannelsInput) (*mcp.CallToolResult, *ListChannelsResult, error) {
		current := s.CurrentChannel()
		result := &ListChannelsResult{Channels: []ChannelSummary{}}

		for _, c := range s.Channels() {
			sum := ChannelSummary{
				ID:          c.ID,
				Name:        c.DisplayName,
				Type:        string(c.Type),
				MemberCount: c.MemberCount,
				Current:     c.ID == current,
			}
			if sum.Name == "" {
				sum.Name = c.Name
			}

			if c.LastMessage != nil {
				sum.LastMessage = preview(c.LastMessage.Author.User.Name() + ": " + c.LastMessage.Content)
			}

			result.Channels = append(result.Channels, sum)
		}

		return textResult(result), result, nil
	}
}

func readMessagesHandler(s Store) mcp.ToolHandlerFor[ReadMessagesInput, *ReadMessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *ReadMessagesResult, error) {
		if input.ChannelID == "" {
			return nil, nil, fmt.Errorf("channel_id is required")
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}

		limit = min(limit, maxReadLimit)

		switch {
		case input.Older:
			if _, err := s.FetchOlder(ctx, input.ChannelID); err != nil {
				return nil, nil, err
			}
		case len(s.Messages(input.ChannelID)) == 0:
			if _, err := s.FetchMessages(ctx, input.ChannelID, store.FetchOptions{}); err != nil {
				return nil, nil, err
			}
		}

		msgs := s.Messages(input.ChannelID)
		result := &ReadMessagesResult{
			ChannelID: input.ChannelID,
			Messages:  make([]MessageView, 0, min(limit, len(msgs))),
			Total:     len(msgs),
			HasMore:   s.SyncState(input.ChannelID).HasMore,
		}

		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}

		for _, m := range msgs {
			result.Messages = append(result.Messages, view(m))
		}

		return textResult(result), result, nil
	}
}

func selectChannelHandler(s Store) mcp.ToolHandlerFor[SelectChannelInput, *SelectChannelResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SelectChannelInput) (*mcp.CallToolResult, *SelectChannelResult, error) {
		if input.ChannelID == "" {
			return nil, nil, fmt.Errorf("channel_id is required")
		}

		if err := s.SelectChannel(ctx, input.ChannelID); err != nil {
			return nil, nil, err
		}

		result := &SelectChannelResult{ChannelID: input.ChannelID, Loaded: len(s.Messages(input.ChannelID))}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(s Store) mcp.ToolHandlerFor[SendMessageInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *MessageView, error) {
		if input.Content == "" {
			return nil, nil, fmt.Errorf("content is required")
		}

		if input.ChannelID != "" && input.ChannelID != s.CurrentChannel() {
			if err := s.SelectChannel(ctx, input.ChannelID); err != nil {
				return nil, nil, err
			}
		}

		m, err := s.SendMessage(ctx, input.Content, nil)
		if err != nil {
			return nil, nil, err
		}

		result := view(m)

		return textResult(result), &result, nil
	}
}

func retryMessageHandler(s Store) mcp.ToolHandlerFor[RetryMessageInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RetryMessageInput) (*mcp.CallToolResult, *MessageView, error) {
		if input.MessageID == "" {
			return nil, nil, fmt.Errorf("message_id is required")
		}

		m, err := s.RetryMessage(ctx, input.MessageID)
		if err != nil {
			return nil, nil, err
		}

		result := view(m)

		return textResult(result), &result, nil
	}
}

func searchMessagesHandler(s Store) mcp.ToolHandlerFor[SearchMessagesInput, *store.SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchMessagesInput) (*mcp.CallToolResult, *store.SearchResult, error) {
		if input.Query == "" {
			return nil, nil, fmt.Errorf("query is required")
		}

		result := s.Search(input.Query, input.ChannelID, min(input.MaxResults, maxReadLimit))

		return textResult(result), &result, nil
	}
}

func statusHandler(s Store, gw Gateway) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st := s.Status()
		result := &StatusResult{
			Connection:       "unknown",
			CurrentChannel:   st.CurrentChannel,
			Channels:         st.Channels,
			Messages:         st.Messages,
			PendingSends:     st.PendingSends,
			IsSendingMessage: st.IsSendingMessage,
			LastError:        st.ConnectionError,
			Version:          st.Version,
		}

		if gw != nil {
			result.Connection = gw.State().String()
		}

		return textResult(result), result, nil
	}
}

func view(m models.Message) MessageView {
	v := MessageView{
		ID:        m.ID,
		Author:    m.Author.User.Name(),
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Edited:    m.EditedAt != nil,
		Status:    string(m.Status),
	}

	for _, a := range m.Attachments {
		v.Attachments = append(v.Attachments, a.Filename)
	}

	return v
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}

	return string(r[:previewLen-1]) + "…"
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
