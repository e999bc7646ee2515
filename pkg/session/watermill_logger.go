package session

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// zerologAdapter routes watermill's logging through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func newWatermillLogger(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: log.Logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

func (a zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	if len(fields) > 0 {
		e = e.Fields(map[string]interface{}(fields))
	}
	return e
}

func (a zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.logger.Error().Err(err), fields).Msg(msg)
}

func (a zerologAdapter) Info(msg string, fields watermill.LogFields) {
	// watermill info messages are demoted to debug
	a.event(a.logger.Debug(), fields).Msg(msg)
}

func (a zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.logger.Debug(), fields).Msg(msg)
}

func (a zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.logger.Trace(), fields).Msg(msg)
}

func (a zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return zerologAdapter{logger: a.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}
