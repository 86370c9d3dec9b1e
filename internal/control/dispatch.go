package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"lanhub/internal/protocol"
	"lanhub/internal/screenshare"
	"lanhub/internal/store"
	"lanhub/internal/transfer"
)

// handleInbound routes one decoded message. It returns false when the
// connection should close (logout).
func (s *Server) handleInbound(uid uint32, in protocol.Message) bool {
	switch in.Type {
	case protocol.TypeLogin:
		s.handleLogin(uid, in)
	case protocol.TypeHeartbeat:
		s.handleHeartbeat(uid)
	case protocol.TypeChat:
		s.handleTextMessage(uid, in, protocol.TypeChat)
	case protocol.TypeBroadcast:
		s.handleTextMessage(uid, in, protocol.TypeBroadcast)
	case protocol.TypeUnicast:
		s.handleUnicast(uid, in)
	case protocol.TypeGetHistory:
		s.handleGetHistory(uid)
	case protocol.TypeFileOffer:
		s.handleFileOffer(uid, in)
	case protocol.TypeFileRequest:
		s.handleFileRequest(uid, in)
	case protocol.TypePresentStart:
		s.handlePresentStart(uid, in)
	case protocol.TypePresentStop:
		s.handlePresentStop(uid)
	case protocol.TypeLogout:
		slog.Info("logout", "uid", uid)
		return false
	default:
		slog.Warn("unknown message type", "uid", uid, "type", in.Type)
		s.sendError(uid, "Unknown message type: "+in.Type)
	}
	return true
}

// handleLogin promotes the connection to a participant and announces it.
// A missing username defaults to user_<uid>.
func (s *Server) handleLogin(uid uint32, in protocol.Message) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		username = fmt.Sprintf("user_%d", uid)
	}

	p, err := s.reg.Login(uid, username)
	if err != nil {
		slog.Warn("login failed", "uid", uid, "err", err)
		return
	}

	s.reg.SendTo(uid, protocol.Message{
		Type:     protocol.TypeLoginSuccess,
		UID:      p.UID,
		Username: p.Username,
	})
	s.reg.Broadcast(protocol.Message{
		Type:      protocol.TypeUserJoined,
		UID:       p.UID,
		Username:  p.Username,
		Timestamp: timestamp(),
	}, p.UID)
	s.broadcastParticipants()
}

// handleHeartbeat acks and piggybacks the participant list so clients
// resync without a separate request.
func (s *Server) handleHeartbeat(uid uint32) {
	s.reg.SendTo(uid, protocol.Message{
		Type:      protocol.TypeHeartbeatAck,
		Timestamp: timestamp(),
	})
	s.reg.SendTo(uid, protocol.Message{
		Type:         protocol.TypeParticipantList,
		Participants: s.reg.Snapshot(),
	})
}

// handleTextMessage stamps a chat or broadcast message and delivers it to
// everyone, sender included.
func (s *Server) handleTextMessage(uid uint32, in protocol.Message, typ string) {
	msg := protocol.Message{
		Type:      typ,
		UID:       uid,
		Username:  s.reg.Username(uid),
		Text:      in.BodyText(),
		Timestamp: timestamp(),
	}
	s.archive(msg)
	s.reg.Broadcast(msg, 0)
}

func (s *Server) handleUnicast(uid uint32, in protocol.Message) {
	if in.TargetUID == 0 {
		s.sendError(uid, "Missing target_uid for unicast")
		return
	}
	target, ok := s.reg.Resolve(in.TargetUID)
	if !ok {
		s.sendError(uid, fmt.Sprintf("User with uid=%d not found", in.TargetUID))
		return
	}

	msg := protocol.Message{
		Type:         protocol.TypeUnicast,
		FromUID:      uid,
		FromUsername: s.reg.Username(uid),
		ToUID:        target.UID,
		ToUsername:   target.Username,
		Text:         in.BodyText(),
		Timestamp:    timestamp(),
	}
	s.archive(msg)
	s.reg.SendTo(target.UID, msg)
	s.reg.SendTo(uid, protocol.Message{
		Type:       protocol.TypeUnicastSent,
		ToUID:      target.UID,
		ToUsername: target.Username,
		Message:    "Message sent successfully",
	})
}

func (s *Server) handleGetHistory(uid uint32) {
	messages := s.history.Snapshot()
	s.reg.SendTo(uid, protocol.Message{
		Type:     protocol.TypeHistory,
		Messages: messages,
		Count:    len(messages),
	})
}

func (s *Server) handleFileOffer(uid uint32, in protocol.Message) {
	if in.Fid == "" || in.Filename == "" || in.Size <= 0 {
		s.sendError(uid, "Invalid file offer: missing fid, filename, or size")
		return
	}
	if in.Size > s.cfg.Files.MaxSize {
		s.sendError(uid, "File too large")
		return
	}

	port, err := s.files.Offer(uid, s.reg.Username(uid), in.Fid, in.Filename, in.Size)
	if errors.Is(err, transfer.ErrExists) {
		s.sendError(uid, fmt.Sprintf("File already exists: fid=%s", in.Fid))
		return
	}
	if err != nil {
		slog.Error("file offer failed", "uid", uid, "fid", in.Fid, "err", err)
		s.sendError(uid, fmt.Sprintf("Failed to start file upload: %v", err))
		return
	}

	s.reg.SendTo(uid, protocol.Message{
		Type: protocol.TypeFileUploadPort,
		Fid:  in.Fid,
		Port: port,
	})
}

func (s *Server) handleFileRequest(uid uint32, in protocol.Message) {
	if in.Fid == "" {
		s.sendError(uid, "Invalid file request: missing fid")
		return
	}

	row, port, err := s.files.Request(uid, in.Fid)
	if errors.Is(err, transfer.ErrNotFound) {
		s.sendError(uid, fmt.Sprintf("File not found: fid=%s", in.Fid))
		return
	}
	if err != nil {
		slog.Error("file request failed", "uid", uid, "fid", in.Fid, "err", err)
		s.sendError(uid, fmt.Sprintf("Failed to start file download: %v", err))
		return
	}

	s.reg.SendTo(uid, protocol.Message{
		Type:     protocol.TypeFileDownloadPort,
		Fid:      row.Fid,
		Filename: row.Filename,
		Size:     row.SizeBytes,
		Port:     port,
	})
}

// handlePresentStart opens a presentation and announces it. The reply with
// both ports goes to the presenter before the announce so a client sees its
// own ports first.
func (s *Server) handlePresentStart(uid uint32, in protocol.Message) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		topic = "Screen Share"
	}
	username := s.reg.Username(uid)

	presenterPort, viewerPort, err := s.screens.Start(uid, username, topic)
	if errors.Is(err, screenshare.ErrActive) {
		s.sendError(uid, "You already have an active presentation")
		return
	}
	if err != nil {
		slog.Error("present start failed", "uid", uid, "err", err)
		s.sendError(uid, fmt.Sprintf("Failed to start screen sharing: %v", err))
		return
	}

	s.reg.SendTo(uid, protocol.Message{
		Type:          protocol.TypeScreenSharePorts,
		PresenterPort: presenterPort,
		ViewerPort:    viewerPort,
	})
	s.reg.Broadcast(protocol.Message{
		Type:       protocol.TypePresentStart,
		UID:        uid,
		Username:   username,
		Topic:      topic,
		ViewerPort: viewerPort,
		Timestamp:  timestamp(),
	}, 0)
}

func (s *Server) handlePresentStop(uid uint32) {
	if err := s.screens.Stop(uid); err != nil {
		s.sendError(uid, "You don't have an active presentation")
		return
	}
	s.reg.Broadcast(protocol.Message{
		Type:      protocol.TypePresentStop,
		UID:       uid,
		Username:  s.reg.Username(uid),
		Timestamp: timestamp(),
	}, 0)
}

func (s *Server) sendError(uid uint32, msg string) {
	s.reg.SendTo(uid, protocol.Error(msg))
}

func (s *Server) broadcastParticipants() {
	s.reg.Broadcast(protocol.Message{
		Type:         protocol.TypeParticipantList,
		Participants: s.reg.Snapshot(),
	}, 0)
}

// archive records a delivered message in the replay ring and the database.
// A write failure loses durability, not delivery, so it only logs.
func (s *Server) archive(msg protocol.Message) {
	s.history.Append(msg)
	if _, err := s.st.InsertMessage(context.Background(), messageToRow(msg)); err != nil {
		slog.Warn("archive write failed", "type", msg.Type, "err", err)
	}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

// rowToMessage rebuilds the wire form of an archived message. Unicast rows
// keep their from/to attribution; everything else is sender plus text.
func rowToMessage(row store.MessageRow) protocol.Message {
	msg := protocol.Message{
		Type:      row.Type,
		Text:      row.Body,
		Timestamp: time.UnixMilli(row.TS).UTC().Format(time.RFC3339),
	}
	if row.Type == protocol.TypeUnicast {
		msg.FromUID = row.UID
		msg.FromUsername = row.Username
		msg.ToUID = row.ToUID
		msg.ToUsername = row.ToUsername
	} else {
		msg.UID = row.UID
		msg.Username = row.Username
	}
	return msg
}

func messageToRow(msg protocol.Message) store.MessageRow {
	row := store.MessageRow{
		Type: msg.Type,
		Body: msg.Text,
	}
	if ts, err := time.Parse(time.RFC3339, msg.Timestamp); err == nil {
		row.TS = ts.UnixMilli()
	}
	if msg.Type == protocol.TypeUnicast {
		row.UID = msg.FromUID
		row.Username = msg.FromUsername
		row.ToUID = msg.ToUID
		row.ToUsername = msg.ToUsername
	} else {
		row.UID = msg.UID
		row.Username = msg.Username
	}
	return row
}
