package einoah

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	// DefaultMenuIdleTimeout is how long a menu stays open without an
	// accepted action from its owner
	DefaultMenuIdleTimeout = 30 * time.Second

	menuSessionIDLength = 16
	menuDeleteTimeout   = 10 * time.Second

	// one row of row buttons, and at most four rows of pager + extra buttons
	menuMaxAdditionalButtons = (discordMaxActionRows - 1) * discordMaxButtonsPerActionRow

	// longest control ID that still fits in an encoded custom ID
	menuMaxControlIDLength = discordMaxCustomIDLength -
		len(menuCustomIDPrefix) - 2*len(customIDSeparator) - menuSessionIDLength
)

var (
	// ErrInvalidHandoff is returned by OpenMenu when the surface published
	// the menu, but didn't hand back anything that can later be edited
	// or deleted.
	ErrInvalidHandoff      = errors.New("menu surface returned no usable message")
	ErrMenuControlConflict = errors.New("menu control ID conflict")
	ErrMenuNoOwner         = errors.New("menu requires an owner")
	ErrMenuNoCallback      = errors.New("menu requires a selection callback")
	ErrMenuMapperPanic     = errors.New("menu item mapper panicked")
)

// MenuResult is returned by selection and extra action callbacks to
// indicate whether the menu should stay open. The zero value closes it.
type MenuResult int

const (
	// MenuClose deletes the menu and stops listening for actions
	MenuClose MenuResult = iota

	// MenuContinue re-renders the menu in place and resets its idle timer
	MenuContinue
)

func (r MenuResult) String() string {
	switch r {
	case MenuClose:
		return "close"
	case MenuContinue:
		return "continue"
	default:
		return fmt.Sprintf("MenuResult(%d)", int(r))
	}
}

type MenuCloseReason string

const (
	MenuClosedBySelection   MenuCloseReason = "selection"
	MenuClosedByExtraAction MenuCloseReason = "extra_action"
	MenuClosedByTimeout     MenuCloseReason = "timeout"
	MenuClosedByContext     MenuCloseReason = "context"

	// MenuClosedByPanic is set when a callback or the mapper panicked
	// while the menu was open
	MenuClosedByPanic MenuCloseReason = "panic"
)

// MenuAction is a button press on a menu. ControlID is the unencoded
// control ID ("1".."5", "left", "right" or an extra action's ID).
type MenuAction struct {
	ControlID string
	ActorID   string
}

// MenuSurface publishes the initial view of a menu.
type MenuSurface interface {
	Publish(ctx context.Context, view MenuView) (MenuArtifact, error)
}

// MenuArtifact is a published menu message.
type MenuArtifact interface {
	Update(ctx context.Context, view MenuView) error
	Delete(ctx context.Context) error
}

// ActionSource delivers button presses for a menu session.
type ActionSource interface {
	Subscribe(sessionID string) ActionStream
}

// ActionStream is a subscription returned by ActionSource. No actions are
// delivered after Stop returns.
type ActionStream interface {
	Actions() <-chan MenuAction
	Stop()
}

// ExtraAction is a caller-defined button shown after the pager buttons.
// Button.CustomID is the action's control ID, and must not collide with
// the row or pager controls.
type ExtraAction struct {
	Button   discordgo.Button
	Callback func(ctx context.Context) MenuResult
}

// MenuOptions configures OpenMenu.
type MenuOptions[T any] struct {
	// Owner is the discord user ID allowed to use the menu
	Owner string

	Title string
	Items []T

	// Mapper renders an item for display. Defaults to fmt.Sprint.
	Mapper func(ctx context.Context, item T) (string, error)

	// OnSelect is called with the item shown at the pressed row button
	OnSelect func(ctx context.Context, item T) MenuResult

	ExtraActions []ExtraAction

	// IdleTimeout defaults to DefaultMenuIdleTimeout
	IdleTimeout time.Duration

	Logger *slog.Logger
}

func (o MenuOptions[T]) validate() error {
	if o.Owner == "" {
		return ErrMenuNoOwner
	}
	if o.OnSelect == nil {
		return ErrMenuNoCallback
	}

	pagerButtons := 0
	if len(o.Items) > menuPageSize {
		pagerButtons = 2
	}
	if pagerButtons+len(o.ExtraActions) > menuMaxAdditionalButtons {
		return fmt.Errorf(
			"%w: too many extra actions (%d)",
			ErrMenuControlConflict,
			len(o.ExtraActions),
		)
	}

	seen := make(map[string]struct{}, len(o.ExtraActions))
	for _, extra := range o.ExtraActions {
		id := extra.Button.CustomID
		switch {
		case id == "":
			return fmt.Errorf("%w: extra action without an ID", ErrMenuControlConflict)
		case strings.Contains(id, customIDSeparator):
			return fmt.Errorf("%w: %q contains %q", ErrMenuControlConflict, id, customIDSeparator)
		case isReservedMenuControl(id):
			return fmt.Errorf("%w: %q is reserved", ErrMenuControlConflict, id)
		case len(id) > menuMaxControlIDLength:
			return fmt.Errorf(
				"%w: %q is longer than %d characters",
				ErrMenuControlConflict,
				id,
				menuMaxControlIDLength,
			)
		}
		if _, dupe := seen[id]; dupe {
			return fmt.Errorf("%w: duplicate %q", ErrMenuControlConflict, id)
		}
		if extra.Callback == nil {
			return fmt.Errorf("%w for extra action %q", ErrMenuNoCallback, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Menu is a handle on an open menu session.
type Menu struct {
	id        string
	done      chan struct{}
	mu        sync.Mutex
	reason    MenuCloseReason
	closeOnce sync.Once
}

func (m *Menu) ID() string {
	return m.id
}

// Done is closed once the menu has closed and its message was deleted
func (m *Menu) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the menu closes, returning why it closed.
func (m *Menu) Wait() MenuCloseReason {
	<-m.done
	return m.CloseReason()
}

func (m *Menu) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// CloseReason is empty while the menu is open.
func (m *Menu) CloseReason() MenuCloseReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

func (m *Menu) finish(reason MenuCloseReason) {
	m.closeOnce.Do(
		func() {
			m.mu.Lock()
			m.reason = reason
			m.mu.Unlock()
			close(m.done)
		},
	)
}

// menuSession holds all state of one open menu. After OpenMenu returns,
// it's only touched by the goroutine running menuSession.run.
type menuSession[T any] struct {
	menu     *Menu
	owner    string
	title    string
	items    []T
	page     int
	pages    int
	mapper   func(context.Context, T) (string, error)
	onSelect func(context.Context, T) MenuResult
	extras   map[string]ExtraAction
	buttons  []discordgo.Button
	artifact MenuArtifact
	stream   ActionStream
	timer    *idleTimer
	logger   *slog.Logger
	closing  bool
}

func newMenuSession[T any](id string, opts MenuOptions[T]) *menuSession[T] {
	mapper := opts.Mapper
	if mapper == nil {
		mapper = func(_ context.Context, item T) (string, error) {
			return fmt.Sprint(item), nil
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &menuSession[T]{
		menu:     &Menu{id: id, done: make(chan struct{})},
		owner:    opts.Owner,
		title:    opts.Title,
		items:    slices.Clone(opts.Items),
		pages:    menuPageCount(len(opts.Items)),
		mapper:   mapper,
		onSelect: opts.OnSelect,
		extras:   make(map[string]ExtraAction, len(opts.ExtraActions)),
		buttons:  make([]discordgo.Button, 0, len(opts.ExtraActions)),
		logger: logger.With(
			loggerNameKey, "menu",
			slog.Group("menu", "id", id, "owner", opts.Owner),
		),
	}
	for _, extra := range opts.ExtraActions {
		s.extras[extra.Button.CustomID] = extra
		s.buttons = append(s.buttons, extra.Button)
	}
	return s
}

// OpenMenu renders and publishes a paginated selection menu over
// opts.Items, then handles the owner's button presses in a new goroutine
// until a callback closes the menu, the menu goes idle for
// opts.IdleTimeout, or ctx is canceled. On every one of those paths the
// published message is deleted once.
//
// Only failures to render or publish the initial view are returned.
func OpenMenu[T any](
	ctx context.Context,
	surface MenuSurface,
	actions ActionSource,
	opts MenuOptions[T],
) (*Menu, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		if logger, ok := ContextLogger(ctx); ok {
			opts.Logger = logger
		}
	}
	timeout := opts.IdleTimeout
	if timeout <= 0 {
		timeout = DefaultMenuIdleTimeout
	}

	id, err := gonanoid.New(menuSessionIDLength)
	if err != nil {
		return nil, fmt.Errorf("error generating menu ID: %w", err)
	}
	s := newMenuSession(id, opts)

	view, err := s.render(ctx)
	if err != nil {
		return nil, fmt.Errorf("error rendering menu: %w", err)
	}

	s.stream = actions.Subscribe(id)
	artifact, err := surface.Publish(ctx, view)
	if err != nil {
		s.stream.Stop()
		return nil, fmt.Errorf("error publishing menu: %w", err)
	}
	if artifact == nil {
		s.stream.Stop()
		return nil, ErrInvalidHandoff
	}
	s.artifact = artifact
	s.timer = newIdleTimer(timeout)

	s.logger.InfoContext(
		ctx,
		"menu opened",
		"items", len(s.items),
		"pages", s.pages,
		"idle_timeout", timeout,
	)
	go s.run(ctx)
	return s.menu, nil
}

func (s *menuSession[T]) render(ctx context.Context) (MenuView, error) {
	return renderMenuView(ctx, s.menu.id, s.title, s.items, s.mapper, s.page, s.buttons)
}

func (s *menuSession[T]) run(ctx context.Context) {
	defer func() {
		if rc := recover(); rc != nil {
			logRecovered(ctx, s.logger, rc)
			if s.closing {
				s.menu.finish(MenuClosedByPanic)
				return
			}
			s.close(ctx, MenuClosedByPanic)
		}
	}()

	actions := s.stream.Actions()
	for {
		select {
		case <-ctx.Done():
			s.close(ctx, MenuClosedByContext)
			return
		case <-s.timer.C():
			s.close(ctx, MenuClosedByTimeout)
			return
		case action, ok := <-actions:
			if !ok {
				s.close(ctx, MenuClosedByContext)
				return
			}
			if reason, closed := s.dispatch(ctx, action); closed {
				s.close(ctx, reason)
				return
			}
		}
	}
}

// dispatch handles one action, returning whether (and why) the menu
// should close. Row, extra and pager controls are disjoint, so at most
// one branch applies.
func (s *menuSession[T]) dispatch(
	ctx context.Context,
	action MenuAction,
) (MenuCloseReason, bool) {
	logger := s.logger.With("control_id", action.ControlID, "actor_id", action.ActorID)

	if action.ActorID != s.owner {
		logger.DebugContext(ctx, "ignoring action from non-owner")
		return "", false
	}

	if row, ok := menuRowFromControlID(action.ControlID); ok {
		idx, exists := menuItemIndex(s.page, row, len(s.items))
		if !exists {
			logger.DebugContext(ctx, "no item at row", "page", s.page)
			return "", false
		}
		if s.onSelect(ctx, s.items[idx]) == MenuContinue {
			s.refresh(ctx)
			return "", false
		}
		return MenuClosedBySelection, true
	}

	if extra, ok := s.extras[action.ControlID]; ok {
		if extra.Callback(ctx) == MenuContinue {
			s.refresh(ctx)
			return "", false
		}
		return MenuClosedByExtraAction, true
	}

	shown := s.page
	switch action.ControlID {
	case menuControlLeft:
		s.page = clampPage(s.page-1, s.pages)
	case menuControlRight:
		s.page = clampPage(s.page+1, s.pages)
	default:
		logger.DebugContext(ctx, "ignoring unknown control")
		return "", false
	}
	if !s.refresh(ctx) {
		s.page = shown
	}
	return "", false
}

// refresh resets the idle timer and re-renders the menu in place,
// reporting whether the view could be rendered. Render and update
// failures leave the previous view as-is.
func (s *menuSession[T]) refresh(ctx context.Context) bool {
	s.timer.Reset()
	view, err := s.render(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "error rendering menu", tint.Err(err))
		return false
	}
	if err = s.artifact.Update(ctx, view); err != nil {
		s.logger.WarnContext(ctx, "error updating menu", tint.Err(err))
	}
	return true
}

// close stops the session and deletes its message. A panic while
// closing still finishes the menu, but doesn't retry the delete.
func (s *menuSession[T]) close(ctx context.Context, reason MenuCloseReason) {
	s.closing = true
	s.stream.Stop()
	s.timer.Stop()

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), menuDeleteTimeout)
	defer cancel()
	if err := s.artifact.Delete(deleteCtx); err != nil {
		s.logger.WarnContext(ctx, "error deleting menu", tint.Err(err))
	}

	s.menu.finish(reason)
	s.logger.InfoContext(ctx, "menu closed", "reason", reason, "page", s.page)
}
