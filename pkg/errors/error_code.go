/*
 * Copyright (c) 2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package errors

import (
	"errors"
	"fmt"
	"net/http"
)

const PodexPrefix = "Podex."

/*
   5-digit Error Code Convention: [xx][yyy]
   [xx] Business ID (00–99), used to distinguish errors from different business interfaces.
   00: General errors
   01: Workspace-related errors
   02: Server/placement-related errors
   03: Proxy-related errors
   04: Local-pod-related errors
   [yyy] Error code range (000–999)
*/

// public: 00xxx
const (
	InternalError = PodexPrefix + "00001"
	BadRequest    = PodexPrefix + "00002"
	NotFound      = PodexPrefix + "00003"
	AlreadyExist  = PodexPrefix + "00004"
	InvalidState  = PodexPrefix + "00005"
	Unauthorized  = PodexPrefix + "00006"
)

// workspace: 01xxx
const (
	WorkspaceNotFound   = PodexPrefix + "01001"
	SameServerCapacity  = PodexPrefix + "01002"
	WorkspaceNotRunning = PodexPrefix + "01003"
)

// server/placement: 02xxx
const (
	ServerNotFound        = PodexPrefix + "02001"
	CapacityUnsatisfiable = PodexPrefix + "02002"
	RegionUnsatisfiable   = PodexPrefix + "02003"
	PlacementConflict     = PodexPrefix + "02004"
	HasActiveWorkspaces   = PodexPrefix + "02005"
)

// proxy: 03xxx
const (
	UpstreamUnreachable = PodexPrefix + "03001"
	UpstreamTimeout     = PodexPrefix + "03002"
)

// local pod: 04xxx
const (
	PodNotConnected = PodexPrefix + "04001"
	PodTimeout      = PodexPrefix + "04002"
)

// ApiError is the wire form of every error surfaced to collaborators.
type ApiError struct {
	HttpCode int    `json:"-"`
	Code     string `json:"errorCode"`
	Message  string `json:"errorMessage"`
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewInternalError(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusInternalServerError, Code: InternalError, Message: message}
}

func NewBadRequest(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusBadRequest, Code: BadRequest, Message: message}
}

func NewNotFound(kind, name string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusNotFound,
		Code:     NotFound,
		Message:  fmt.Sprintf("%s(%s) is not found", kind, name),
	}
}

func NewAlreadyExist(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusConflict, Code: AlreadyExist, Message: message}
}

func NewInvalidState(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusBadRequest, Code: InvalidState, Message: message}
}

func NewUnauthorized(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusUnauthorized, Code: Unauthorized, Message: message}
}

func NewWorkspaceNotFound(id string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusNotFound,
		Code:     WorkspaceNotFound,
		Message:  fmt.Sprintf("workspace(%s) is not found", id),
	}
}

func NewWorkspaceNotRunning(id string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusBadRequest,
		Code:     WorkspaceNotRunning,
		Message:  fmt.Sprintf("workspace(%s) is not running", id),
	}
}

func NewServerNotFound(id string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusNotFound,
		Code:     ServerNotFound,
		Message:  fmt.Sprintf("server(%s) is not found", id),
	}
}

func NewCapacityUnsatisfiable(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusConflict, Code: CapacityUnsatisfiable, Message: message}
}

func NewRegionUnsatisfiable(region string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusConflict,
		Code:     RegionUnsatisfiable,
		Message:  fmt.Sprintf("no active server in region %s", region),
	}
}

func NewPlacementConflict(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusConflict, Code: PlacementConflict, Message: message}
}

func NewSameServerCapacity(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusConflict, Code: SameServerCapacity, Message: message}
}

func NewHasActiveWorkspaces(id string, count int) *ApiError {
	return &ApiError{
		HttpCode: http.StatusConflict,
		Code:     HasActiveWorkspaces,
		Message:  fmt.Sprintf("server(%s) still has %d active workspaces", id, count),
	}
}

func NewUpstreamUnreachable(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusServiceUnavailable, Code: UpstreamUnreachable, Message: message}
}

func NewUpstreamTimeout(message string) *ApiError {
	return &ApiError{HttpCode: http.StatusGatewayTimeout, Code: UpstreamTimeout, Message: message}
}

func NewPodNotConnected(podId string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusServiceUnavailable,
		Code:     PodNotConnected,
		Message:  fmt.Sprintf("local pod(%s) is not connected", podId),
	}
}

func NewPodTimeout(podId, method string) *ApiError {
	return &ApiError{
		HttpCode: http.StatusGatewayTimeout,
		Code:     PodTimeout,
		Message:  fmt.Sprintf("local pod(%s) did not answer %s in time", podId, method),
	}
}

// ReasonForError returns the podex error code carried by err, or the empty
// string for foreign errors.
func ReasonForError(err error) string {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func IsPodex(err error) bool {
	return ReasonForError(err) != ""
}

func IsNotFound(err error) bool {
	reason := ReasonForError(err)
	return reason == NotFound || reason == WorkspaceNotFound || reason == ServerNotFound
}

func IsAlreadyExist(err error) bool {
	return ReasonForError(err) == AlreadyExist
}

func IsInvalidState(err error) bool {
	return ReasonForError(err) == InvalidState
}

func IsCapacityUnsatisfiable(err error) bool {
	return ReasonForError(err) == CapacityUnsatisfiable
}

func IsRegionUnsatisfiable(err error) bool {
	return ReasonForError(err) == RegionUnsatisfiable
}

func IsPlacementConflict(err error) bool {
	return ReasonForError(err) == PlacementConflict
}

func IsSameServerCapacity(err error) bool {
	return ReasonForError(err) == SameServerCapacity
}

func IsPodNotConnected(err error) bool {
	return ReasonForError(err) == PodNotConnected
}

// FromError normalizes any error into an ApiError; foreign errors become
// internal errors.
func FromError(err error) *ApiError {
	var apiErr *ApiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewInternalError(err.Error())
}
