package queue

import "github.com/Witriol/tapedeck/internal/model"

// CanTransition reports whether an item may move from one status to another.
// downloading -> queued is only taken by the reconciler at startup.
func CanTransition(from, to model.Status) bool {
	switch from {
	case model.StatusQueued:
		return to == model.StatusDownloading
	case model.StatusDownloading:
		return to == model.StatusDone || to == model.StatusFailed || to == model.StatusCancelled || to == model.StatusQueued
	case model.StatusFailed, model.StatusCancelled:
		return to == model.StatusQueued
	default:
		return false
	}
}
