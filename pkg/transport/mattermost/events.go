// Copyright 2024-2026 Aiku AI

package mattermost

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/chatlink/pkg/message"
	"github.com/aiku/chatlink/pkg/transport"
)

var errMissingPost = errors.New("posted event missing post data")

// parsePostedEvent extracts a post from a WebSocket event. It returns
// (nil, nil) for posts that should be skipped.
func (t *Transport) parsePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, errMissingPost
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}
	// Echo prevention: skip own posts.
	if post.UserId == t.userID {
		return nil, nil
	}
	// System messages carry a non-default type.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}
	return &post, nil
}

func (t *Transport) handlePosted(evt *model.WebSocketEvent) {
	post, err := t.parsePostedEvent(evt)
	if err != nil {
		t.log.Warn().Err(err).Msg("Failed to parse posted event")
		t.Emit(transport.IncomingMessage{Err: err, Chat: broadcastChannel(evt)})
		return
	}
	if post == nil {
		return
	}
	t.Emit(transport.IncomingMessage{Message: &message.Message{
		ID:        post.Id,
		Chat:      post.ChannelId,
		Sender:    post.UserId,
		Text:      post.Message,
		ReplyTo:   post.RootId,
		Timestamp: time.UnixMilli(post.CreateAt),
	}})
}

// handleDirectAdded reports the direct channel created with a teammate as
// the address of that teammate.
func (t *Transport) handleDirectAdded(evt *model.WebSocketEvent) {
	teammate, _ := evt.GetData()["teammate_id"].(string)
	channelID := broadcastChannel(evt)
	if teammate == "" || channelID == "" {
		t.log.Debug().Msg("Ignoring direct_added event without teammate or channel")
		return
	}
	t.Emit(transport.MappingUpdate{AnonymizedID: teammate, Address: channelID})
}

func broadcastChannel(evt *model.WebSocketEvent) string {
	if b := evt.GetBroadcast(); b != nil {
		return b.ChannelId
	}
	return ""
}
