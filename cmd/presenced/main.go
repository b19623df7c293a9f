package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmizerany/pat"
	"github.com/gorilla/websocket"
	. "github.com/logrusorgru/aurora"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sireax/presence"
	"github.com/sireax/presence/config"
	"github.com/sireax/presence/internal/api"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func handleLog(e presence.LogEntry) {
	log.Printf("%s: %v", e.Message, e.Fields)
}

func main() {

	configPath := flag.String("config", "presenced.yml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var resolver presence.ConfigResolver
	if cfg.Mongo.Address != "" {
		mongo := presence.NewMongoResolver(presence.MongoConfig{
			Address:    cfg.Mongo.Address,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err := mongo.Run(); err != nil {
			log.Fatal(err)
		}
		defer mongo.Close()
		resolver = mongo
	} else {
		resolver = presence.NewStaticResolver(cfg.Channels)
	}

	brokerConfig := &presence.BrokerConfig{Prefix: cfg.Redis.Prefix}
	for _, shard := range cfg.Redis.Shards {
		brokerConfig.Shards = append(brokerConfig.Shards, presence.BrokerShardConfig{
			Host:     shard.Host,
			Port:     shard.Port,
			Password: shard.Password,
			DB:       shard.DB,
		})
	}

	nodeConfig := presence.DefaultConfig
	nodeConfig.LogLevel = cfg.ParseLogLevel()
	nodeConfig.LogHandler = handleLog
	if interval := cfg.ReapInterval(); interval > 0 {
		nodeConfig.ReapInterval = interval
	}

	node, err := presence.NewNode(nodeConfig, brokerConfig, resolver)
	if err != nil {
		log.Fatal(err)
	}
	if cfg.Kafka.Address != "" {
		node.UseWebhooks(presence.WebhookConfig{
			Address: cfg.Kafka.Address,
			Topic:   cfg.Kafka.Topic,
		})
	}
	if err := node.Run(); err != nil {
		log.Fatal(err)
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Println(Yellow("shutting down"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		node.Shutdown(ctx)
		os.Exit(0)
	}()

	s := &server{node: node}

	mux := pat.New()
	mux.Post("/api/present", http.HandlerFunc(s.handlePresent))
	mux.Post("/api/leave", http.HandlerFunc(s.handleLeave))
	mux.Get("/api/state", http.HandlerFunc(s.handleState))
	mux.Get("/ws/:channel", http.HandlerFunc(s.handleSubscribe))

	http.Handle("/", mux)
	http.Handle("/metrics", promhttp.Handler())

	addr := cfg.Server.Host + ":" + cfg.Server.Port
	log.Println(Green("presenced is running"), "on", addr)

	err = http.ListenAndServe(addr, nil)
	if err != nil {
		log.Fatal("ListenAndServe: ", err)
	}
}

type server struct {
	node *presence.Node
}

func (s *server) handlePresent(w http.ResponseWriter, r *http.Request) {
	var request api.PresentRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || !request.Validate() {
		writeError(w, presence.ErrorInvalidConfig, http.StatusBadRequest)
		return
	}

	channel := s.node.Channel(request.Channel)
	if err := channel.Present(r.Context(), request.UserID, request.ClientID, request.GroupIDs); err != nil {
		writePresenceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var request api.LeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || !request.Validate() {
		writeError(w, presence.ErrorInvalidConfig, http.StatusBadRequest)
		return
	}

	channel := s.node.Channel(request.Channel)
	if err := channel.Leave(r.Context(), request.UserID, request.ClientID, request.GroupIDs); err != nil {
		writePresenceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	name := params.Get("channel")
	if name == "" {
		writeError(w, presence.ErrorNotFound, http.StatusBadRequest)
		return
	}
	countOnly := params.Get("count_only") == "1"
	userID, _ := strconv.ParseInt(params.Get("user_id"), 10, 64)
	groupIDs := parseGroupIDs(params.Get("group_ids"))

	channel := s.node.Channel(name)

	cfg, err := channel.Config(r.Context())
	if err != nil {
		writePresenceError(w, err)
		return
	}
	if !presence.CanView(cfg, userID, groupIDs) {
		writePresenceError(w, presence.ErrorInvalidAccess)
		return
	}

	state, err := channel.State(r.Context(), countOnly)
	if err != nil {
		writePresenceError(w, err)
		return
	}

	response := &api.StateResponse{
		Channel:        name,
		LastSequenceID: state.SequenceID,
		UserIDs:        state.UserIDs,
		Count:          state.Count,
	}
	data, err := response.Marshal()
	if err != nil {
		writePresenceError(w, presence.ErrorInternal)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleSubscribe streams channel notifications over a websocket, one JSON
// payload per message, in publish order.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	name := params.Get(":channel")
	userID, _ := strconv.ParseInt(params.Get("user_id"), 10, 64)
	groupIDs := parseGroupIDs(params.Get("group_ids"))

	channel := s.node.Channel(name)
	cfg, err := channel.Config(r.Context())
	if err != nil {
		writePresenceError(w, err)
		return
	}
	if !presence.CanView(cfg, userID, groupIDs) {
		writePresenceError(w, presence.ErrorInvalidAccess)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	stream := s.node.Subscribe(r.Context(), name)
	defer stream.Close()
	defer conn.Close()

	go func() {
		// Drain reads so close frames and pongs are processed.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stream.Close()
				return
			}
		}
	}()

	for data := range stream.Messages() {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func parseGroupIDs(raw string) []int64 {
	if raw == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func writePresenceError(w http.ResponseWriter, err error) {
	switch err {
	case presence.ErrorNotFound:
		writeError(w, presence.ErrorNotFound, http.StatusNotFound)
	case presence.ErrorInvalidAccess:
		writeError(w, presence.ErrorInvalidAccess, http.StatusForbidden)
	default:
		writeError(w, presence.ErrorInternal, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, perr *presence.Error, status int) {
	response := &api.ErrorResponse{Code: perr.Code, Message: perr.Message}
	data, err := response.Marshal()
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
