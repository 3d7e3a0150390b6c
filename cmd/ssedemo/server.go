package main

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/advbet/sse"
	"github.com/advbet/sse/httpconn"
)

// App routes published messages to subscribed event streams.
type App struct {
	cfg     *sse.Config
	history *sse.History
	log     logrus.FieldLogger

	mu       sync.Mutex
	channels map[string]*sse.Channel
}

func NewApp(cfg *sse.Config, history *sse.History, log logrus.FieldLogger) *App {
	return &App{
		cfg:      cfg,
		history:  history,
		log:      log,
		channels: make(map[string]*sse.Channel),
	}
}

func (app *App) Router() http.Handler {
	router := httprouter.New()
	router.GET("/events/:channel", app.subscribe())
	router.POST("/publish/:channel", app.publish())
	router.GET("/channels/:channel", app.stats())
	return router
}

// channel returns the named channel, creating it on first use.
func (app *App) channel(name string) (*sse.Channel, error) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if ch, ok := app.channels[name]; ok {
		return ch, nil
	}

	ch := sse.NewChannel(name, sse.WithChannelLogger(app.log))
	if err := app.history.Register(ch); err != nil {
		return nil, err
	}
	app.channels[name] = ch
	return ch, nil
}

func (app *App) subscribe() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ch, err := app.channel(p.ByName("channel"))
		if err != nil {
			http.Error(w, "Internal server error.", http.StatusInternalServerError)
			return
		}

		err = httpconn.Serve(w, r, app.cfg, func(s *sse.Session) error {
			if err := ch.Register(s); err != nil {
				return err
			}
			n, err := app.history.ReplaySince(r.Context(), s)
			if err != nil {
				app.log.WithField("session_id", s.ID()).WithError(err).Warn("History replay failed")
				return nil
			}
			if n > 0 {
				app.log.WithFields(logrus.Fields{
					"session_id": s.ID(),
					"events":     n,
				}).Debug("History replayed")
			}
			return nil
		})
		if err != nil {
			app.log.WithError(err).Debug("Event stream ended with error")
		}
	}
}

type PublishInput struct {
	Event string          `json:"event"`
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data"`
}

type PublishOutput struct {
	ID         string `json:"id"`
	Recipients int    `json:"recipients"`
}

func (app *App) publish() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		var input PublishInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, "Bad request.", http.StatusBadRequest)
			return
		}
		if len(input.Data) == 0 {
			input.Data = json.RawMessage("null")
		}
		if input.ID != "" {
			// Event IDs are resume points, they must stay unique in the history
			_, found, err := app.history.Store().Since(r.Context(), input.ID)
			if err != nil {
				http.Error(w, "Internal server error.", http.StatusInternalServerError)
				return
			}
			if found {
				http.Error(w, "Event ID already used.", http.StatusConflict)
				return
			}
		}

		ch, err := app.channel(p.ByName("channel"))
		if err != nil {
			http.Error(w, "Internal server error.", http.StatusInternalServerError)
			return
		}

		recipients := ch.SessionCount()
		id := ch.Broadcast(input.Data, input.Event, sse.WithEventID(input.ID))

		writeJSON(w, http.StatusAccepted, PublishOutput{ID: id, Recipients: recipients}, app.log)
	}
}

type StatsOutput struct {
	Channel  string   `json:"channel"`
	Sessions []string `json:"sessions"`
}

func (app *App) stats() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		ch, err := app.channel(p.ByName("channel"))
		if err != nil {
			http.Error(w, "Internal server error.", http.StatusInternalServerError)
			return
		}

		out := StatsOutput{Channel: ch.Name(), Sessions: []string{}}
		for _, s := range ch.Sessions() {
			out.Sessions = append(out.Sessions, s.ID())
		}
		writeJSON(w, http.StatusOK, out, app.log)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, log logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Writing response failed")
	}
}
