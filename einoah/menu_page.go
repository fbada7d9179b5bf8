package einoah

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/sync/errgroup"
)

const (
	// menuPageSize is the number of items shown per page, one per row button
	menuPageSize = 5

	menuControlLeft  = "left"
	menuControlRight = "right"

	menuLabelLeft  = "◀️"
	menuLabelRight = "▶️"

	// menuMapConcurrency bounds the number of item mappers run at once
	menuMapConcurrency = 8
)

// MenuView is a single rendered state of a menu: the message content and
// the rows of buttons shown beneath it. The first row always holds the
// menuPageSize row buttons.
type MenuView struct {
	Content string
	Rows    [][]discordgo.Button
}

// Components converts the view's button rows to discord action rows.
func (v MenuView) Components() []discordgo.MessageComponent {
	components := make([]discordgo.MessageComponent, 0, len(v.Rows))
	for _, row := range v.Rows {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, b)
		}
		components = append(components, discordgo.ActionsRow{Components: buttons})
	}
	return components
}

// menuPageCount returns ceil(n/menuPageSize). An empty list has no pages.
func menuPageCount(n int) int {
	pages := n / menuPageSize
	if n%menuPageSize != 0 {
		pages++
	}
	return pages
}

// clampPage keeps page within [0, pages-1], and at 0 when there are
// no pages.
func clampPage(page, pages int) int {
	if page >= pages {
		page = pages - 1
	}
	if page < 0 {
		page = 0
	}
	return page
}

// menuItemIndex returns the list index shown at the given zero-based row
// of the given page, and whether an item exists there.
func menuItemIndex(page, row, n int) (int, bool) {
	if row < 0 || row >= menuPageSize {
		return 0, false
	}
	idx := page*menuPageSize + row
	return idx, idx < n
}

// menuRowControlID returns the control ID of the zero-based row button
func menuRowControlID(row int) string {
	return strconv.Itoa(row + 1)
}

// menuRowFromControlID returns the zero-based row for a row button's
// control ID ("1" through "5").
func menuRowFromControlID(controlID string) (int, bool) {
	n, err := strconv.Atoi(controlID)
	if err != nil || n < 1 || n > menuPageSize {
		return 0, false
	}
	if controlID != strconv.Itoa(n) {
		return 0, false
	}
	return n - 1, true
}

// isReservedMenuControl reports whether the control ID belongs to the row
// or pager buttons.
func isReservedMenuControl(controlID string) bool {
	if _, ok := menuRowFromControlID(controlID); ok {
		return true
	}
	return controlID == menuControlLeft || controlID == menuControlRight
}

// mapMenuItems applies mapper to every item concurrently, returning the
// results in list order. The first error encountered is returned, with a
// panicking mapper reported as ErrMenuMapperPanic.
func mapMenuItems[T any](
	ctx context.Context,
	items []T,
	mapper func(context.Context, T) (string, error),
) ([]string, error) {
	labels := make([]string, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(menuMapConcurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(
			func() (err error) {
				defer func() {
					if rc := recover(); rc != nil {
						err = fmt.Errorf("%w: item %d: %v", ErrMenuMapperPanic, i, rc)
					}
				}()
				label, err := mapper(gctx, item)
				if err != nil {
					return fmt.Errorf("error mapping menu item %d: %w", i, err)
				}
				labels[i] = label
				return nil
			},
		)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return labels, nil
}

// menuContent renders the title, one labeled line per item on the page,
// and a page footer when there's more than one page.
func menuContent(title string, labels []string, page, pages int) string {
	var b strings.Builder
	b.WriteString(title)
	for row := 0; row < menuPageSize; row++ {
		idx, ok := menuItemIndex(page, row, len(labels))
		if !ok {
			break
		}
		fmt.Fprintf(&b, "\n%s `%s`", menuRowControlID(row), escapeInlineCode(labels[idx]))
	}
	if pages > 1 {
		fmt.Fprintf(&b, "\n\n> `%d/%d`", page+1, pages)
	}
	return truncate(b.String(), discordMaxMessageLength)
}

// menuRows renders the row buttons, then the pager buttons (only when the
// list doesn't fit on one page) and extra buttons, wrapped at
// discordMaxButtonsPerActionRow per row.
func menuRows(
	sessionID string,
	itemCount int,
	page int,
	pages int,
	extras []discordgo.Button,
) [][]discordgo.Button {
	rowButtons := make([]discordgo.Button, 0, menuPageSize)
	for row := 0; row < menuPageSize; row++ {
		_, ok := menuItemIndex(page, row, itemCount)
		rowButtons = append(
			rowButtons,
			discordgo.Button{
				Label:    menuRowControlID(row),
				Style:    discordgo.PrimaryButton,
				CustomID: menuCustomID(sessionID, menuRowControlID(row)),
				Disabled: !ok,
			},
		)
	}

	var additional []discordgo.Button
	if itemCount > menuPageSize {
		additional = append(
			additional,
			discordgo.Button{
				Label:    menuLabelLeft,
				Style:    discordgo.SecondaryButton,
				CustomID: menuCustomID(sessionID, menuControlLeft),
				Disabled: page == 0,
			},
			discordgo.Button{
				Label:    menuLabelRight,
				Style:    discordgo.SecondaryButton,
				CustomID: menuCustomID(sessionID, menuControlRight),
				Disabled: page >= pages-1,
			},
		)
	}
	for _, extra := range extras {
		extra.CustomID = menuCustomID(sessionID, extra.CustomID)
		additional = append(additional, extra)
	}

	rows := [][]discordgo.Button{rowButtons}
	rows = append(rows, chunkItems(discordMaxButtonsPerActionRow, additional...)...)
	return rows
}

// renderMenuView maps every item and renders the given page.
func renderMenuView[T any](
	ctx context.Context,
	sessionID string,
	title string,
	items []T,
	mapper func(context.Context, T) (string, error),
	page int,
	extras []discordgo.Button,
) (MenuView, error) {
	labels, err := mapMenuItems(ctx, items, mapper)
	if err != nil {
		return MenuView{}, err
	}
	pages := menuPageCount(len(items))
	return MenuView{
		Content: menuContent(title, labels, page, pages),
		Rows:    menuRows(sessionID, len(items), page, pages, extras),
	}, nil
}
