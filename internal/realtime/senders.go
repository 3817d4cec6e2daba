package realtime

// Domain senders: thin typed wrappers that compose a canonical payload for one
// message kind and push it through Send. Each returns the boolean from Send,
// propagating the not-connected signal to the caller instead of erroring.

// SendChatMessage sends one chat turn to a recipient. messageID is the
// client-generated id the server echo/ack will be keyed by.
func (s *Service) SendChatMessage(messageID, recipientID, message string, chatType ChatType) bool {
	s.mu.Lock()
	senderID, senderRole := s.userID, s.userRole
	s.mu.Unlock()
	return s.Send(TypeChatMessage, ChatMessagePayload{
		MessageID:   messageID,
		RecipientID: recipientID,
		Message:     message,
		ChatType:    chatType,
		SenderID:    senderID,
		SenderRole:  senderRole,
	})
}

// JoinChatRoom announces entry into a chat room.
func (s *Service) JoinChatRoom(roomID string) bool {
	s.mu.Lock()
	userID, userRole := s.userID, s.userRole
	s.mu.Unlock()
	return s.Send(TypeJoinChatRoom, RoomPayload{RoomID: roomID, UserID: userID, UserRole: userRole})
}

// LeaveChatRoom announces departure from a chat room.
func (s *Service) LeaveChatRoom(roomID string) bool {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return s.Send(TypeLeaveChatRoom, RoomPayload{RoomID: roomID, UserID: userID})
}

// SendNotification addresses a notification envelope to a recipient, stamped
// with sender attribution and a timestamp.
func (s *Service) SendNotification(recipientID string, n Notification) bool {
	s.mu.Lock()
	n.SenderID = s.userID
	n.SenderRole = s.userRole
	s.mu.Unlock()
	n.Timestamp = nowMillis()
	return s.Send(TypeNotification, NotificationPayload{RecipientID: recipientID, Notification: n})
}

// SendTypingIndicator signals whether the current user is typing to a
// recipient.
func (s *Service) SendTypingIndicator(recipientID string, typing bool) bool {
	s.mu.Lock()
	senderID := s.userID
	s.mu.Unlock()
	return s.Send(TypeTypingIndicator, TypingPayload{
		RecipientID: recipientID,
		SenderID:    senderID,
		IsTyping:    typing,
	})
}

// SubscribeToLeadUpdates asks the server to start pushing LEAD_UPDATE frames.
// This is a fire-and-forget announcement, not a local registry subscription;
// handle the pushed frames via Subscribe(TypeLeadUpdate, ...).
func (s *Service) SubscribeToLeadUpdates() bool {
	return s.Send(TypeSubscribeLeads, s.streamPayload())
}

// SubscribeToOrderUpdates asks the server to start pushing ORDER_UPDATE frames.
func (s *Service) SubscribeToOrderUpdates() bool {
	return s.Send(TypeSubscribeOrders, s.streamPayload())
}

// SubscribeToAnalytics asks the server to start pushing ANALYTICS_UPDATE frames.
func (s *Service) SubscribeToAnalytics() bool {
	return s.Send(TypeSubscribeAnalytics, s.streamPayload())
}

// UpdateUserStatus publishes a presence change.
func (s *Service) UpdateUserStatus(status Presence) bool {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return s.Send(TypeUserStatusUpdate, StatusPayload{
		UserID:    userID,
		Status:    status,
		Timestamp: nowMillis(),
	})
}

func (s *Service) streamPayload() StreamPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamPayload{UserID: s.userID, UserRole: s.userRole}
}
