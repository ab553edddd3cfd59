package service

import "github.com/edumatrix/exam-marks-api/internal/models"

// Permission guards over (actor, action). Teachers lock their own captured
// marks; review and post-lock edits are an administrator's call.

func canLock(actor Actor) bool {
	return actor.Role == models.RoleAdmin || actor.Role == models.RoleTeacher
}

func canReview(actor Actor) bool {
	return actor.Role == models.RoleAdmin
}

func canOverrideLock(actor Actor) bool {
	return actor.Role == models.RoleAdmin
}
