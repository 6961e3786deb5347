package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

// gatewayController is what the HTTP surface needs from the lifecycle
// controller. It only ever reads state and forwards dispatch requests; the
// session handle itself stays with the controller.
type gatewayController interface {
	Status() ControllerStatus
	Challenge() string
	SendText(ctx context.Context, to string, text string) (string, error)
	SendImage(ctx context.Context, to string, caption string, data []byte, mimeType string) (string, error)
}

type server struct {
	router   *mux.Router
	store    CredentialStore
	ctrl     gatewayController
	secret   string
	clientID string
}

func newServer(store CredentialStore, ctrl gatewayController, secret, clientID string) *server {
	s := &server{
		router:   mux.NewRouter(),
		store:    store,
		ctrl:     ctrl,
		secret:   secret,
		clientID: clientID,
	}
	s.routes()
	return s
}

func (s *server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *server) routes() {
	public := alice.New()
	protected := alice.New(s.authsecret)

	s.router.Handle("/", public.Then(s.Liveness())).Methods("GET")
	// Login stays unauthenticated: the challenge must be scannable before
	// any credentials exist on either side.
	s.router.Handle("/whatsapp/login", public.Then(s.Login())).Methods("GET")
	s.router.Handle("/status", public.Then(s.SessionStatus())).Methods("GET")
	s.router.Handle("/debug/session", public.Then(s.SessionStatus())).Methods("GET")
	s.router.Handle("/whatsapp/sendmessage", protected.Then(s.SendMessage())).Methods("POST")
	s.router.Handle("/whatsapp/send", protected.Then(s.SendMessage())).Methods("POST")
	s.router.Handle("/whatsapp/sendimage", protected.Then(s.SendImage())).Methods("POST")
}

func (s *server) authsecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := r.Header.Get("X-Send-Secret")
		if secret == "" {
			secret = r.Header.Get("token")
		}
		if s.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(s.secret)) != 1 {
			s.Respond(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "zapgate %s up\n", version)
	}
}

// Login serves the current challenge token as a scannable PNG, or a short
// text when the session is past (or not yet at) the challenge stage.
func (s *server) Login() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.ctrl.Status()
		if status.Ready {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintln(w, "already logged in")
			return
		}
		code := s.ctrl.Challenge()
		if code == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			fmt.Fprintln(w, "please wait, session is starting")
			return
		}
		png, err := qrcode.Encode(code, qrcode.Medium, 256)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, errors.New("could not render challenge"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
	}
}

func (s *server) SessionStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.ctrl.Status()
		records, err := s.store.CountRecords(r.Context(), s.clientID)
		if err != nil {
			log.Warn().Err(err).Msg("Could not count persisted records")
		}
		response := map[string]interface{}{
			"state":         status.State,
			"ready":         status.Ready,
			"has_challenge": status.HasChallenge,
			"attempt":       status.Attempt,
			"records":       records,
			"client_id":     s.clientID,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		}
		responseJson, err := json.Marshal(response)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
		} else {
			s.Respond(w, r, http.StatusOK, string(responseJson))
		}
	}
}

// SendMessage dispatches a text message through the live session.
func (s *server) SendMessage() http.HandlerFunc {
	type textStruct struct {
		Phone string `json:"phone"`
		Body  string `json:"body"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var t textStruct
		if err := decoder.Decode(&t); err != nil {
			s.Respond(w, r, http.StatusBadRequest, errors.New("could not decode Payload"))
			return
		}
		if t.Phone == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("missing Phone in Payload"))
			return
		}
		if t.Body == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("missing Body in Payload"))
			return
		}

		msgid, err := s.ctrl.SendText(r.Context(), t.Phone, t.Body)
		if errors.Is(err, ErrNotReady) {
			s.Respond(w, r, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
		if err != nil {
			log.Error().Err(err).Str("phone", t.Phone).Msg("Send failed")
			s.Respond(w, r, http.StatusInternalServerError, fmt.Errorf("error sending message: %v", err))
			return
		}

		response := map[string]interface{}{"Details": "Sent", "Id": msgid}
		responseJson, err := json.Marshal(response)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
		} else {
			s.Respond(w, r, http.StatusOK, string(responseJson))
		}
	}
}

// SendImage dispatches an image from a data URL or an http(s) source, with
// an optional caption.
func (s *server) SendImage() http.HandlerFunc {
	type imageStruct struct {
		Phone   string `json:"phone"`
		Image   string `json:"image"`
		Caption string `json:"caption"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		decoder := json.NewDecoder(r.Body)
		var t imageStruct
		if err := decoder.Decode(&t); err != nil {
			s.Respond(w, r, http.StatusBadRequest, errors.New("could not decode Payload"))
			return
		}
		if t.Phone == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("missing Phone in Payload"))
			return
		}
		if t.Image == "" {
			s.Respond(w, r, http.StatusBadRequest, errors.New("missing Image in Payload"))
			return
		}

		var filedata []byte
		var mimeType string
		if strings.HasPrefix(t.Image, "data:image") {
			dataURL, err := dataurl.DecodeString(t.Image)
			if err != nil {
				s.Respond(w, r, http.StatusBadRequest, errors.New("could not decode base64 encoded data from payload"))
				return
			}
			filedata = dataURL.Data
			mimeType = dataURL.ContentType()
		} else if strings.HasPrefix(t.Image, "http://") || strings.HasPrefix(t.Image, "https://") {
			data := fetchImageBytes(r.Context(), t.Image)
			if data == nil {
				s.Respond(w, r, http.StatusBadRequest, errors.New("failed to fetch image from url"))
				return
			}
			filedata = data
		} else {
			s.Respond(w, r, http.StatusBadRequest, errors.New("image data should start with \"data:image/png;base64,\" or be an http(s) url"))
			return
		}

		msgid, err := s.ctrl.SendImage(r.Context(), t.Phone, t.Caption, filedata, mimeType)
		if errors.Is(err, ErrNotReady) {
			s.Respond(w, r, http.StatusServiceUnavailable, errors.New("not ready"))
			return
		}
		if err != nil {
			log.Error().Err(err).Str("phone", t.Phone).Msg("Image send failed")
			s.Respond(w, r, http.StatusInternalServerError, fmt.Errorf("error sending image: %v", err))
			return
		}

		response := map[string]interface{}{"Details": "Sent", "Id": msgid}
		responseJson, err := json.Marshal(response)
		if err != nil {
			s.Respond(w, r, http.StatusInternalServerError, err)
		} else {
			s.Respond(w, r, http.StatusOK, string(responseJson))
		}
	}
}

// Respond to client
func (s *server) Respond(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	dataenvelope := map[string]interface{}{"code": status}
	if err, ok := data.(error); ok {
		dataenvelope["error"] = err.Error()
		dataenvelope["success"] = false
	} else {
		var mydata map[string]interface{}
		if err := json.Unmarshal([]byte(data.(string)), &mydata); err == nil {
			dataenvelope["data"] = mydata
		} else {
			var mySlice []interface{}
			if err := json.Unmarshal([]byte(data.(string)), &mySlice); err == nil {
				dataenvelope["data"] = mySlice
			} else {
				log.Error().Str("error", fmt.Sprintf("%v", err)).Msg("error unmarshalling JSON")
			}
		}
		dataenvelope["success"] = true
	}

	if err := json.NewEncoder(w).Encode(dataenvelope); err != nil {
		panic("respond: " + err.Error())
	}
}
