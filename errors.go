package crisola

import (
	"errors"
)

var (
	ErrInvalidCfg     = errors.New("peer: invalid options")
	ErrPeerClosed     = errors.New("peer: event loop terminated")
	ErrInvalidCommand = errors.New("peer: invalid command")
	ErrWake           = errors.New("peer: could not wake event loop")

	ErrNotMulticast = errors.New("socket: address is not a multicast group")
	ErrBind         = errors.New("socket: could not bind udp socket")
	ErrJoinGroup    = errors.New("socket: could not join multicast group")
	ErrBufferSize   = errors.New("socket: could not allocate udp buffer")
	ErrReceive      = errors.New("socket: error receiving datagrams")
	ErrSend         = errors.New("socket: error sending datagram")

	ErrTooLargeFrame = errors.New("message: payload exceeds maximum frame size")
	ErrMessageSealed = errors.New("message: already handed to the peer, cannot be modified")
	ErrMessagePacked = errors.New("message: already packed")
	ErrFrameTooShort = errors.New("message: datagram shorter than frame header")
)
