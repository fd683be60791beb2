package factory

import (
	"context"

	"form_mapper/repository"
	"form_mapper/repository/interfaces"
)

type Factory interface {
	NewSession(ctx context.Context) interfaces.Session
	NewSessionRepository(session interfaces.Session) (repository.SessionRepository, error)
	NewPathResultRepository(session interfaces.Session) (repository.PathResultRepository, error)
	NewTaskRepository(session interfaces.Session) (repository.TaskRepository, error)
	NewAgentRepository(session interfaces.Session) (repository.AgentRepository, error)
	NewEventLogRepository(session interfaces.Session) (repository.EventLogRepository, error)
}
