package core

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode/utf8"
)

// MessageType tags what kind of request the user made.
type MessageType string

const (
	MessageTypeFreeform MessageType = "Freeform"
	MessageTypeGenerate MessageType = "Generate"
	MessageTypeEdit     MessageType = "Edit"
	MessageTypeCustom   MessageType = "Custom"
	MessageTypeGenVar   MessageType = "GenVar"
)

var knownMessageTypes = []MessageType{
	MessageTypeFreeform,
	MessageTypeGenerate,
	MessageTypeEdit,
	MessageTypeCustom,
	MessageTypeGenVar,
}

// ParseMessageType resolves a wire name to a MessageType.
// Matching is case-insensitive; an empty name means Freeform.
func ParseMessageType(name string) (MessageType, error) {
	if name == "" {
		return MessageTypeFreeform, nil
	}
	for _, mt := range knownMessageTypes {
		if strings.EqualFold(string(mt), name) {
			return mt, nil
		}
	}
	return "", NewInvalidRequestError(fmt.Sprintf("unknown message type: %q", name), nil)
}

// IntSource produces the per-request maxOrigLine value.
type IntSource func() int32

// RandomIntSource draws a non-negative value from math/rand/v2.
func RandomIntSource() int32 {
	return rand.Int32()
}

// UserRequest is the body of an outbound chat request.
// Fields are not modified after NewUserRequest returns, except the code
// block lists which other collaborators may fill before serialization.
type UserRequest struct {
	Message              string      `json:"message"`
	CurrentRootPath      string      `json:"currentRootPath"`
	CurrentFileName      string      `json:"currentFileName"`
	CurrentFileContents  string      `json:"currentFileContents"`
	PrecedingCode        []string    `json:"precedingCode"`
	SuffixCode           []string    `json:"suffixCode"`
	CurrentSelection     *string     `json:"currentSelection"`
	CopilotCodeBlocks    []string    `json:"copilotCodeBlocks"`
	CustomCodeBlocks     []string    `json:"customCodeBlocks"`
	CodeBlockIdentifiers []string    `json:"codeBlockIdentifiers"`
	MessageType          MessageType `json:"msgType"`
	MaxOriginalLine      int32       `json:"maxOrigLine"`
}

// NewUserRequest builds a request from the editor context.
// precedingCode and suffixCode keep the caller's order. A nil selection
// serializes as null. source is called exactly once; nil uses RandomIntSource.
func NewUserRequest(
	message string,
	rootPath string,
	fileName string,
	fileContents string,
	precedingCode []string,
	suffixCode []string,
	currentSelection *string,
	messageType MessageType,
	source IntSource,
) *UserRequest {
	if source == nil {
		source = RandomIntSource
	}
	if precedingCode == nil {
		precedingCode = []string{}
	}
	if suffixCode == nil {
		suffixCode = []string{}
	}

	return &UserRequest{
		Message:              message,
		CurrentRootPath:      rootPath,
		CurrentFileName:      fileName,
		CurrentFileContents:  fileContents,
		PrecedingCode:        precedingCode,
		SuffixCode:           suffixCode,
		CurrentSelection:     currentSelection,
		CopilotCodeBlocks:    []string{},
		CustomCodeBlocks:     []string{},
		CodeBlockIdentifiers: []string{},
		MessageType:          messageType,
		MaxOriginalLine:      source(),
	}
}

// SplitAtCursor returns the lines before and after a byte offset in contents.
// The line holding the cursor is split between the two halves. An offset
// inside a multi-byte character moves back to the start of that character
// so neither half carries a broken UTF-8 sequence. limit caps
// the number of lines kept on each side, nearest the cursor; limit <= 0
// keeps everything.
func SplitAtCursor(contents string, offset int, limit int) (preceding []string, suffix []string) {
	if offset < 0 {
		offset = 0
	}
	if offset > len(contents) {
		offset = len(contents)
	}
	for offset > 0 && offset < len(contents) && !utf8.RuneStart(contents[offset]) {
		offset--
	}

	preceding = strings.Split(contents[:offset], "\n")
	suffix = strings.Split(contents[offset:], "\n")

	if limit > 0 {
		if len(preceding) > limit {
			preceding = preceding[len(preceding)-limit:]
		}
		if len(suffix) > limit {
			suffix = suffix[:limit]
		}
	}
	return preceding, suffix
}
