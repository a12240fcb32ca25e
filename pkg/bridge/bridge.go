/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"k8s.io/klog/v2"

	podexerrors "github.com/AMD-AIG-AIMA/podex/pkg/errors"
	"github.com/AMD-AIG-AIMA/podex/pkg/store"
	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

const (
	// DefaultCallTimeout bounds a single RPC round trip to a laptop agent.
	DefaultCallTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Frame types on the pod channel; shared with the laptop agent.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Message is one frame on the pod channel. Requests flow both ways: the
// control plane calls pod methods, and pods call back (lookup_watchers).
type Message struct {
	Id     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RequestHandler answers a pod-originated RPC.
type RequestHandler func(ctx context.Context, podId string, params json.RawMessage) (interface{}, error)

// EventHandler receives pod-originated events such as conversation_sync.
type EventHandler func(podId, method string, params json.RawMessage)

type podConn struct {
	id     string
	userId string
	conn   *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	closed chan struct{}
}

// Hub owns every online laptop-agent channel in the replica.
type Hub struct {
	store    store.Interface
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	pods map[string]*podConn

	handlerMu sync.RWMutex
	handlers  map[string]RequestHandler
	events    []EventHandler
}

func NewHub(st store.Interface) *Hub {
	hub := &Hub{
		store: st,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API collaborator fronts this endpoint; origin policy lives there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pods:     map[string]*podConn{},
		handlers: map[string]RequestHandler{},
	}
	hub.HandleRequest("lookup_watchers", hub.handleLookupWatchers)
	hub.OnEvent(hub.advanceSyncMark)
	return hub
}

// HandleRequest registers a handler for a pod-originated RPC method.
func (h *Hub) HandleRequest(method string, handler RequestHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handlers[method] = handler
}

// OnEvent registers a fan-out target for pod-originated events.
func (h *Hub) OnEvent(handler EventHandler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.events = append(h.events, handler)
}

// Connect upgrades the request into a pod channel. The pod identifies itself
// through pod_id and user_id query parameters; a reconnect replaces the old
// channel.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request) error {
	podId := r.URL.Query().Get("pod_id")
	userId := r.URL.Query().Get("user_id")
	if podId == "" || userId == "" {
		return podexerrors.NewBadRequest("pod_id and user_id are required")
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return podexerrors.NewBadRequest(err.Error())
	}
	pod := &podConn{
		id:      podId,
		userId:  userId,
		conn:    conn,
		pending: map[string]chan *Message{},
		closed:  make(chan struct{}),
	}

	h.mu.Lock()
	if previous, ok := h.pods[podId]; ok {
		previous.conn.Close()
	}
	h.pods[podId] = pod
	h.mu.Unlock()
	klog.Infof("local pod %s connected for user %s", podId, userId)

	go h.readPump(pod)
	return nil
}

func (h *Hub) readPump(pod *podConn) {
	defer h.drop(pod)
	for {
		var msg Message
		if err := pod.conn.ReadJSON(&msg); err != nil {
			klog.V(2).Infof("local pod %s channel closed: %v", pod.id, err)
			return
		}
		switch msg.Type {
		case TypeResponse:
			pod.deliver(&msg)
		case TypeRequest:
			go h.answer(pod, &msg)
		case TypeEvent:
			h.fanOut(pod.id, &msg)
		default:
			klog.Warningf("local pod %s sent unknown frame type %q", pod.id, msg.Type)
		}
	}
}

func (h *Hub) drop(pod *podConn) {
	close(pod.closed)
	pod.conn.Close()
	h.mu.Lock()
	if current, ok := h.pods[pod.id]; ok && current == pod {
		delete(h.pods, pod.id)
	}
	h.mu.Unlock()
	klog.Infof("local pod %s disconnected", pod.id)
}

func (h *Hub) answer(pod *podConn, msg *Message) {
	h.handlerMu.RLock()
	handler, ok := h.handlers[msg.Method]
	h.handlerMu.RUnlock()

	response := &Message{Id: msg.Id, Type: TypeResponse}
	if !ok {
		response.Error = "unknown method " + msg.Method
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCallTimeout)
		result, err := handler(ctx, pod.id, msg.Params)
		cancel()
		if err != nil {
			response.Error = err.Error()
		} else {
			data, err := json.Marshal(result)
			if err != nil {
				response.Error = err.Error()
			} else {
				response.Result = data
			}
		}
	}
	if err := pod.write(response); err != nil {
		klog.ErrorS(err, "failed to answer pod request", "pod", pod.id, "method", msg.Method)
	}
}

func (h *Hub) fanOut(podId string, msg *Message) {
	h.handlerMu.RLock()
	handlers := make([]EventHandler, len(h.events))
	copy(handlers, h.events)
	h.handlerMu.RUnlock()
	for _, handler := range handlers {
		handler(podId, msg.Method, msg.Params)
	}
}

// Call issues one RPC over the pod channel and waits for the correlated
// response.
func (h *Hub) Call(ctx context.Context, podId, method string, params interface{},
	timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	h.mu.RLock()
	pod, ok := h.pods[podId]
	h.mu.RUnlock()
	if !ok {
		return nil, podexerrors.NewPodNotConnected(podId)
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, podexerrors.NewBadRequest(err.Error())
	}
	msg := &Message{
		Id:     uuid.NewString(),
		Type:   TypeRequest,
		Method: method,
		Params: data,
	}
	wait := pod.expect(msg.Id)
	defer pod.forget(msg.Id)

	if err = pod.write(msg); err != nil {
		return nil, podexerrors.NewPodNotConnected(podId)
	}
	select {
	case response := <-wait:
		if response.Error != "" {
			return nil, podexerrors.NewInternalError(response.Error)
		}
		return response.Result, nil
	case <-pod.closed:
		return nil, podexerrors.NewPodNotConnected(podId)
	case <-time.After(timeout):
		return nil, podexerrors.NewPodTimeout(podId, method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsPodOnline reports whether the pod currently holds an open channel.
func (h *Hub) IsPodOnline(podId string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.pods[podId]
	return ok
}

// OnlinePods lists the connected pods.
func (h *Hub) OnlinePods() []types.LocalPod {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make([]types.LocalPod, 0, len(h.pods))
	for _, pod := range h.pods {
		result = append(result, types.LocalPod{
			Id:     pod.id,
			UserId: pod.userId,
			Status: types.LocalPodOnline,
		})
	}
	return result
}

func (p *podConn) write(msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteJSON(msg)
}

func (p *podConn) expect(id string) chan *Message {
	ch := make(chan *Message, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	return ch
}

func (p *podConn) forget(id string) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

func (p *podConn) deliver(msg *Message) {
	p.pendingMu.Lock()
	ch, ok := p.pending[msg.Id]
	p.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
}
