package api

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/attune-app/attuned/internal/storage"
)

const maxImportBodySize = 10 << 20 // 10MB

type importRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Domain    string `json:"domain"`
	// Content is the base64-encoded PDF of a session transcript, e.g. an
	// export from another coaching tool.
	Content string `json:"content"`
}

// handleImport ingests a PDF transcript as conversation history. Lines
// prefixed with a speaker label ("User:", "Coach:", "Assistant:") become
// individual turns; unlabelled text is attributed to the user.
func handleImport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		var req importRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.UserID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "user_id is required")
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}

		raw, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is not valid base64")
			return
		}

		text, err := pdfText(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not read pdf: %v", err)
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		turns := transcriptTurns(text, sessionID, req.UserID)
		if len(turns) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "pdf contains no usable text")
			return
		}

		sess, err := deps.Engine.OnNewTurns(r.Context(), sessionID, req.UserID, req.Domain, turns)
		if err != nil {
			engineError(w, err)
			return
		}

		writeJSON(w, map[string]any{
			"session_id": sess.ID,
			"turns":      len(turns),
		})
	}
}

func pdfText(raw []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// transcriptTurns splits transcript text on speaker labels. Consecutive
// unlabelled lines attach to the current speaker's turn.
func transcriptTurns(text, sessionID, userID string) []storage.Turn {
	now := time.Now().UTC()

	newTurn := func(role, content string) storage.Turn {
		return storage.Turn{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			UserID:    userID,
			Role:      role,
			Content:   strings.TrimSpace(content),
			CreatedAt: now,
		}
	}

	var turns []storage.Turn
	role := storage.RoleUser
	var current strings.Builder

	flush := func() {
		if strings.TrimSpace(current.String()) != "" {
			turns = append(turns, newTurn(role, current.String()))
		}
		current.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case hasSpeakerPrefix(line, "user:", "me:"):
			flush()
			role = storage.RoleUser
			current.WriteString(afterColon(line))
		case hasSpeakerPrefix(line, "coach:", "assistant:"):
			flush()
			role = storage.RoleAssistant
			current.WriteString(afterColon(line))
		default:
			if current.Len() > 0 {
				current.WriteString(" ")
			}
			current.WriteString(strings.TrimSpace(line))
		}
	}
	flush()
	return turns
}

func hasSpeakerPrefix(line string, prefixes ...string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	for _, p := range prefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

func afterColon(line string) string {
	if i := strings.Index(line, ":"); i >= 0 {
		return strings.TrimSpace(line[i+1:])
	}
	return strings.TrimSpace(line)
}
