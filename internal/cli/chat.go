// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat against a running relay.
//
// Command: chat
// Short:   Start an interactive chat session
//
// Examples:
//   rigrun-relay chat                          New conversation, server default model
//   rigrun-relay chat --model gemini-1.5-pro   Use a specific model
//   rigrun-relay chat -c 3f2a...               Resume a stored conversation
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /model [id]         Show or switch model
//   /models             List available models
//   /search <query>     Fuzzy search this conversation
//   /suggest <n>        Send follow-up suggestion n
//   /cancel             Cancel the current generation
//   /new [title]        Start a new conversation
//   /history            Show conversation history
//   /status, /s         Show session statistics
//   /quit, /q           Exit chat
//   Ctrl+C              Cancel current generation
//   Ctrl+D              Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/muesli/termenv"
	"github.com/peterh/liner"

	"github.com/jeranaias/rigrun-relay/internal/client"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/server"
	"github.com/jeranaias/rigrun-relay/internal/util"
)

// renderInterval is how often streamed text is flushed to the terminal.
const renderInterval = 40 * time.Millisecond

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeSlashCommand)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history to file (0600).
func (c *ChatCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

var slashCommands = []string{
	"/help", "/model", "/models", "/search", "/suggest", "/cancel",
	"/new", "/history", "/status", "/quit",
}

func completeSlashCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c, line) {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// SESSION STATE
// =============================================================================

// ChatSession holds the state for an interactive chat session.
type ChatSession struct {
	Client       *client.HTTPClient
	Model        string
	Temperature  *float64
	SystemPrompt string
	Markdown     bool
	Out          io.Writer
	Width        int

	mu      sync.Mutex
	reducer *client.Reducer
	title   string
	models  []model.Descriptor

	// Statistics
	StartTime time.Time
	Sent      int
	Completed int
	Failed    int
	Cancelled int
}

// NewChatSession creates a session that writes to out.
func NewChatSession(c *client.HTTPClient, args ChatArgs, out io.Writer) *ChatSession {
	return &ChatSession{
		Client:       c,
		Model:        args.Model,
		Temperature:  args.Temperature,
		SystemPrompt: args.SystemPrompt,
		Markdown:     args.Markdown,
		Out:          out,
		Width:        GetTerminalWidth(),
		reducer:      client.NewReducer("", nil),
		StartTime:    time.Now(),
	}
}

// Reducer returns the reducer of the current conversation.
func (s *ChatSession) Reducer() *client.Reducer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reducer
}

func (s *ChatSession) setConversation(conv model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reducer != nil {
		s.reducer.Cancel()
	}
	s.reducer = client.NewReducer(conv.ID, conv.Turns)
	s.title = conv.Title
}

// Open resumes conversationID, or creates a new conversation when it is
// empty.
func (s *ChatSession) Open(ctx context.Context, conversationID string) error {
	var (
		conv model.Conversation
		err  error
	)
	if conversationID != "" {
		conv, err = s.Client.Conversation(ctx, conversationID)
	} else {
		conv, err = s.Client.CreateConversation(ctx, "")
	}
	if err != nil {
		return fmt.Errorf("could not open conversation on %s: %w", s.Client.BaseURL(), err)
	}
	s.setConversation(conv)
	return nil
}

// =============================================================================
// MAIN CHAT LOOP
// =============================================================================

// HandleChat runs the "chat" command.
func HandleChat(args []string) error {
	a, err := ParseChatArgs(args)
	if err != nil {
		return err
	}

	session := NewChatSession(client.NewHTTPClient(a.Server, a.Token), a, os.Stdout)
	ctx := context.Background()
	if err := session.Open(ctx, a.ConversationID); err != nil {
		return err
	}
	printWelcome(session)

	input := NewChatCLI()
	defer input.Close()

	// Ctrl+C while streaming cancels the generation. At the prompt liner
	// handles it and the loop exits.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			session.Reducer().Cancel()
		}
	}()

	for {
		line, err := input.ReadInput(PromptStyle.Render("relay> "))
		if err != nil {
			// liner.ErrPromptAborted (Ctrl+C) or io.EOF (Ctrl+D)
			fmt.Fprintln(session.Out)
			printExitSummary(session)
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			cont, err := handleSlashCommand(ctx, session, line)
			if err != nil {
				fmt.Fprintf(session.Out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !cont {
				printExitSummary(session)
				return nil
			}
			continue
		}

		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			printExitSummary(session)
			return nil
		}

		processMessage(ctx, session, line)
	}
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage sends text and renders the reply as it streams. It returns
// the generation's outcome.
func processMessage(ctx context.Context, s *ChatSession, text string) client.Outcome {
	reducer := s.Reducer()
	gen, err := reducer.Send(text)
	if err != nil {
		fmt.Fprintf(s.Out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		return client.OutcomeFailed
	}
	s.Sent++

	req := client.AgentRequest{
		ConversationID:       reducer.Snapshot().ConversationID,
		Message:              gen.Text,
		Model:                s.Model,
		Temperature:          s.Temperature,
		SystemPromptOverride: s.SystemPrompt,
	}

	var (
		outcome   client.Outcome
		streamErr error
		done      = make(chan struct{})
	)
	go func() {
		defer close(done)
		outcome, streamErr = s.Client.Stream(ctx, gen, req, reducer)
	}()

	printer := &streamPrinter{out: s.Out, turnID: gen.AssistantTurnID, live: !s.Markdown}
	fmt.Fprintln(s.Out, AssistantStyle.Render("assistant"))
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			printer.flush(reducer.Snapshot())
		}
	}

	state := reducer.Snapshot()
	printer.finish(state)

	switch outcome {
	case client.OutcomeCompleted:
		s.Completed++
	case client.OutcomeCancelled:
		s.Cancelled++
	default:
		s.Failed++
	}

	for _, n := range reducer.DrainNotifications() {
		fmt.Fprintln(s.Out, renderNotification(n))
	}
	var apiErr *client.APIError
	if streamErr != nil && !errors.As(streamErr, &apiErr) {
		fmt.Fprintln(s.Out, DimStyle.Render(streamErr.Error()))
	}
	if outcome == client.OutcomeCompleted {
		if sug := renderSuggestions(state.Suggestions, s.Width); sug != "" {
			fmt.Fprintln(s.Out, sug)
		}
	}
	if state.Model != "" {
		log.Printf("CHAT_TURN | model=%s outcome=%s", state.Model, outcome)
	}
	return outcome
}

// streamPrinter writes the assistant placeholder as it grows. In live mode
// new text is printed as it arrives; otherwise a progress counter is shown
// and the finished text is rendered as markdown.
type streamPrinter struct {
	out     io.Writer
	turnID  string
	live    bool
	printed int
}

func (p *streamPrinter) text(state client.State) string {
	for i := len(state.Turns) - 1; i >= 0; i-- {
		if state.Turns[i].ID == p.turnID {
			return state.Turns[i].Content
		}
	}
	return ""
}

func (p *streamPrinter) flush(state client.State) {
	text := p.text(state)
	if p.live {
		if len(text) > p.printed {
			fmt.Fprint(p.out, text[p.printed:])
			p.printed = len(text)
		}
		return
	}
	if text != "" {
		fmt.Fprint(p.out, "\r"+DimStyle.Render(fmt.Sprintf("… %d chars", utf8.RuneCountInString(text))))
	}
}

func (p *streamPrinter) finish(state client.State) {
	if p.live {
		p.flush(state)
		fmt.Fprintln(p.out)
		return
	}
	termenv.NewOutput(p.out).ClearLine()
	fmt.Fprint(p.out, "\r")
	if text := p.text(state); text != "" {
		fmt.Fprintln(p.out, strings.TrimRight(renderMarkdown(text), "\n"))
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands. It returns false to exit.
func handleSlashCommand(ctx context.Context, s *ChatSession, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))

	switch command {
	case "/help", "/h", "/?", "/":
		printHelp(s.Out)
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	case "/cancel":
		if !s.Reducer().Cancel() {
			fmt.Fprintln(s.Out, DimStyle.Render("Nothing to cancel"))
			return true, nil
		}
		for _, n := range s.Reducer().DrainNotifications() {
			fmt.Fprintln(s.Out, renderNotification(n))
		}
		return true, nil

	case "/model", "/m":
		return true, handleModelCommand(ctx, s, args)

	case "/models":
		models, err := s.availableModels(ctx)
		if err != nil {
			return true, err
		}
		fmt.Fprintln(s.Out, renderModelTable(models, s.Model, s.Width))
		return true, nil

	case "/search":
		if rest == "" {
			return true, fmt.Errorf("usage: /search <query>")
		}
		results := s.Reducer().Search(rest)
		fmt.Fprintln(s.Out, renderSearchResults(results, rest, s.Width))
		return true, nil

	case "/suggest":
		return true, handleSuggestCommand(ctx, s, args)

	case "/new":
		conv, err := s.Client.CreateConversation(ctx, util.TruncateRunes(rest, server.MaxTitleLength))
		if err != nil {
			return true, err
		}
		s.setConversation(conv)
		fmt.Fprintf(s.Out, "%s %s\n", SuccessStyle.Render("[New conversation]"), conv.Title)
		return true, nil

	case "/history":
		printHistory(s)
		return true, nil

	case "/status", "/s":
		printStatus(s)
		return true, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleModelCommand shows or switches the model. Unknown ids are rejected
// before anything is sent.
func handleModelCommand(ctx context.Context, s *ChatSession, args []string) error {
	if len(args) == 0 {
		current := s.Model
		if current == "" {
			current = "(server default)"
		}
		fmt.Fprintf(s.Out, "%s %s\n", RenderLabel("Model:"), ValueStyle.Render(current))
		return nil
	}

	models, err := s.availableModels(ctx)
	if err != nil {
		return err
	}
	id := args[0]
	for _, m := range models {
		if m.ID == id {
			s.Model = id
			fmt.Fprintf(s.Out, "%s Switched to %s\n", SuccessStyle.Render("[OK]"), m.DisplayName)
			return nil
		}
	}
	return fmt.Errorf("model %q is not available (see /models)", id)
}

// handleSuggestCommand sends the n-th suggestion's prompt.
func handleSuggestCommand(ctx context.Context, s *ChatSession, args []string) error {
	items := s.Reducer().Snapshot().Suggestions
	if len(items) == 0 {
		return fmt.Errorf("no suggestions yet")
	}
	if len(args) == 0 {
		fmt.Fprintln(s.Out, renderSuggestions(items, s.Width))
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(items) {
		return fmt.Errorf("suggestion must be between 1 and %d", len(items))
	}
	prompt := items[n-1].Prompt
	fmt.Fprintf(s.Out, "%s %s\n", PromptStyle.Render("relay>"), prompt)
	processMessage(ctx, s, prompt)
	return nil
}

func (s *ChatSession) availableModels(ctx context.Context) ([]model.Descriptor, error) {
	if s.models != nil {
		return s.models, nil
	}
	resp, err := s.Client.Models(ctx)
	if err != nil {
		return nil, err
	}
	s.models = resp.Models
	return s.models, nil
}

// =============================================================================
// DISPLAY FUNCTIONS
// =============================================================================

func printWelcome(s *ChatSession) {
	w := s.Out
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("rigrun-relay chat"))
	fmt.Fprintln(w, RenderSeparator(30))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Server:"), ValueStyle.Render(s.Client.BaseURL()))
	state := s.Reducer().Snapshot()
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Conversation:"), ValueStyle.Render(s.title))
	if len(state.Turns) > 0 {
		fmt.Fprintf(w, "%s %d turns\n", RenderLabel("History:"), len(state.Turns))
	}
	if s.Model != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Model:"), ValueStyle.Render(s.Model))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(w)
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("Available Commands"))
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/model [id]", "Show or switch model"},
		{"/models", "List available models"},
		{"/search <query>", "Fuzzy search this conversation"},
		{"/suggest [n]", "Show or send a follow-up suggestion"},
		{"/cancel", "Cancel the current generation"},
		{"/new [title]", "Start a new conversation"},
		{"/history", "Show conversation history"},
		{"/status, /s", "Show session statistics"},
		{"/quit, /q", "Exit chat"},
	}
	for _, c := range commands {
		fmt.Fprintf(w, "  %s  %s\n", util.FitWidth(c.cmd, 18), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Tip: Ctrl+C cancels the current generation, Ctrl+D exits"))
}

func printHistory(s *ChatSession) {
	state := s.Reducer().Snapshot()
	if len(state.Turns) == 0 {
		fmt.Fprintln(s.Out, DimStyle.Render("No messages yet"))
		return
	}
	for _, t := range state.Turns {
		label := fmt.Sprintf("[%s]", t.Role.DisplayName())
		fmt.Fprintf(s.Out, "%s %s\n", DimStyle.Render(label), WrapText(t.Content, s.Width-util.StringWidth(label)-1))
	}
}

func printStatus(s *ChatSession) {
	state := s.Reducer().Snapshot()
	modelID := state.Model
	if modelID == "" {
		modelID = s.Model
	}
	fmt.Fprintf(s.Out, "%s %s\n", RenderLabel("Conversation:"), state.ConversationID)
	fmt.Fprintf(s.Out, "%s %s\n", RenderLabel("Model:"), modelID)
	fmt.Fprintf(s.Out, "%s %d\n", RenderLabel("Turns:"), len(state.Turns))
	fmt.Fprintf(s.Out, "%s %d sent, %d completed, %d failed, %d cancelled\n",
		RenderLabel("Messages:"), s.Sent, s.Completed, s.Failed, s.Cancelled)
	fmt.Fprintf(s.Out, "%s %s\n", RenderLabel("Elapsed:"), time.Since(s.StartTime).Round(time.Second))
}

func printExitSummary(s *ChatSession) {
	if s.Sent == 0 {
		return
	}
	fmt.Fprintf(s.Out, "%s %d messages in %s\n",
		DimStyle.Render("Session:"), s.Sent, time.Since(s.StartTime).Round(time.Second))
	if id := s.Reducer().Snapshot().ConversationID; id != "" {
		fmt.Fprintf(s.Out, "%s rigrun-relay chat -c %s\n", DimStyle.Render("Resume with:"), id)
	}
}
