package handlers

import (
	tgbot "github.com/go-telegram/bot"
)

// RegisteredHandler represents a handler with its middleware chain. When Match is set
// it selects updates instead of HandlerType, Pattern and MatchType.
type RegisteredHandler struct {
	HandlerType tgbot.HandlerType
	Pattern     string
	Handler     tgbot.HandlerFunc
	Middleware  []tgbot.Middleware
	MatchType   tgbot.MatchType
	Match       tgbot.MatchFunc
}

// RegisterAllCommands returns every handler keyed by its slash form, plus channel post ingestion.
// Operator commands run behind AdminOnly then Audit.
func RegisterAllCommands(deps HandlerDeps) map[string]RegisteredHandler {
	handlers := make(map[string]RegisteredHandler)

	handlers["channel_post"] = RegisteredHandler{
		Handler: NewChannelPostHandler(deps),
		Match:   IsChannelPost,
	}
	handlers["/start"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "start",
		Handler:     NewStartHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
	}

	operator := []tgbot.Middleware{AdminOnly(deps), Audit(deps)}

	handlers["/help"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "help",
		Handler:     NewHelpHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  operator,
	}
	handlers["/reprocess"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "reprocess",
		Handler:     NewReprocessHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  operator,
	}
	handlers["/refilter"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "refilter",
		Handler:     NewRefilterHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  operator,
	}
	handlers["/quota"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "quota",
		Handler:     NewQuotaHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  operator,
	}
	handlers["/balance"] = RegisteredHandler{
		HandlerType: tgbot.HandlerTypeMessageText,
		Pattern:     "balance",
		Handler:     NewBalanceHandler(deps),
		MatchType:   tgbot.MatchTypeCommandStartOnly,
		Middleware:  operator,
	}

	return handlers
}
