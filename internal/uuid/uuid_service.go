package uuid

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UUIDService hands out message ids.
type UUIDService interface {
	GenerateUUID() string
}

type uuidService struct {
	logger *zap.SugaredLogger
}

func NewUUIDService(logger *zap.SugaredLogger) UUIDService {
	return &uuidService{logger: logger}
}

// GenerateUUID returns a random (version 4) UUID in canonical form.
func (s *uuidService) GenerateUUID() string {
	id := uuid.NewString()
	s.logger.Debugw("Generated UUID", "uuid", id)
	return id
}
