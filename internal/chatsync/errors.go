package chatsync

import "github.com/pkg/errors"

var (
	// ErrFetchInProgress is returned when an older-page fetch is already running
	// for the active conversation.
	ErrFetchInProgress = errors.New("chatsync: a page fetch is already in progress")
	// ErrNoMorePages is returned when the oldest loaded page is the last one.
	ErrNoMorePages = errors.New("chatsync: no older pages")
	// ErrNotActive is returned for operations that need an open conversation.
	ErrNotActive = errors.New("chatsync: no active conversation")
	// ErrStaleResult marks a fetch result that arrived after the active
	// conversation changed. It is never returned to the caller of Open.
	ErrStaleResult = errors.New("chatsync: stale fetch result")
	// ErrPageGap is returned when a page is loaded out of sequence.
	ErrPageGap = errors.New("chatsync: page is not contiguous with loaded pages")
	// ErrUnknownMessage is returned when a message cannot be located.
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	// ErrInvalidReaction is returned when a reaction is not exactly one emoji.
	ErrInvalidReaction = errors.New("chatsync: reaction must be a single emoji")
	// ErrEmptyContent is returned when a message has nothing to send.
	ErrEmptyContent = errors.New("chatsync: message content is empty")
	// ErrNotFailed is returned by Retry for messages that are not in the failed state.
	ErrNotFailed = errors.New("chatsync: message is not in the failed state")
	// ErrEngineClosed is returned once the engine loop has stopped.
	ErrEngineClosed = errors.New("chatsync: engine closed")
)
