// Command feed is a terminal client for a feedsync server. It signs in,
// follows the global timeline live and reads commands from stdin:
//
//	more                 load the next page
//	post <title> | <body> publish a post
//	rm <id>              delete one of your posts
//	mine                 list your own posts
//	signout              sign out (the feed goes idle)
//	quit                 exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/sakif/feedsync/internal/authstate"
	"github.com/sakif/feedsync/internal/client"
	"github.com/sakif/feedsync/internal/feed"
	"github.com/sakif/feedsync/internal/model"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "feedsync server URL")
	email := flag.String("email", "", "account email")
	password := flag.String("password", "", "account password")
	name := flag.String("name", "", "display name (with -signup)")
	signup := flag.Bool("signup", false, "create the account first")
	pageSize := flag.Int("page", feed.PageSize, "head window and page size")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *email == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "usage: feed -email you@example.com -password secret [-signup -name You] [-server URL]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *serverURL, *email, *password, *name, *signup, *pageSize); err != nil {
		fmt.Fprintln(os.Stderr, "feed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, serverURL, email, password, name string, signup bool, pageSize int) error {
	c, err := client.New(serverURL, logger)
	if err != nil {
		return err
	}

	var id *model.Identity
	if signup {
		id, err = c.SignUp(ctx, email, password, name)
	} else {
		id, err = c.SignIn(ctx, email, password)
	}
	if err != nil {
		return err
	}

	state := authstate.New(c.Bridge(), logger, authstate.WithErrorHandler(func(id *model.Identity, err error) {
		fmt.Fprintln(os.Stderr, "session:", err)
	}))
	defer state.Close()

	engine := feed.NewEngine(c.Source(state), logger, feed.WithPageSize(pageSize))
	go engine.Follow(ctx, state.Observe(ctx))
	go render(ctx, engine)

	state.Set(id)
	fmt.Printf("signed in as %s\n", id.Email)

	posts := c.Posts(state)
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			state.Set(nil)
			return nil
		case line, ok := <-lines:
			if !ok {
				state.Set(nil)
				return nil
			}
			if quit := command(ctx, line, state, engine, posts); quit {
				state.Set(nil)
				return nil
			}
		}
	}
}

// command runs one stdin line. It reports whether to quit.
func command(ctx context.Context, line string, state *authstate.State, engine *feed.Engine, posts *client.Posts) bool {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	opCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch verb {
	case "":
	case "quit", "exit":
		return true

	case "more":
		if err := engine.LoadMore(opCtx); err != nil {
			fmt.Println("load more failed:", err)
		}

	case "post":
		title, body, ok := strings.Cut(rest, "|")
		if !ok {
			fmt.Println("usage: post <title> | <body>")
			return false
		}
		p, err := posts.Create(opCtx, strings.TrimSpace(title), strings.TrimSpace(body))
		if err != nil {
			fmt.Println("post failed:", err)
			return false
		}
		fmt.Println("posted", p.ID)

	case "rm":
		if rest == "" {
			fmt.Println("usage: rm <id>")
			return false
		}
		if err := posts.Remove(opCtx, rest); err != nil {
			fmt.Println("delete failed:", err)
		}

	case "mine":
		id := state.Current()
		if id == nil {
			fmt.Println("not signed in")
			return false
		}
		mine, err := posts.ByAuthor(opCtx, id.UID, 20, 0)
		if err != nil {
			fmt.Println("list failed:", err)
			return false
		}
		for _, p := range mine {
			printPost(p)
		}

	case "signout":
		state.Set(nil)

	default:
		fmt.Println("commands: more, post <title> | <body>, rm <id>, mine, signout, quit")
	}
	return false
}

// render reprints the feed whenever the window changes.
func render(ctx context.Context, engine *feed.Engine) {
	var last []string
	var lastState feed.State = -1
	for {
		changed := engine.Changed()
		w := engine.Snapshot()

		ids := w.IDs()
		if w.State != lastState || !slices.Equal(ids, last) {
			fmt.Printf("\n== feed (%s, %d posts) ==\n", w.State, len(w.Posts))
			for _, p := range w.Posts {
				printPost(p)
			}
			if w.Err != nil && !errors.Is(w.Err, context.Canceled) {
				fmt.Println("!", w.Err)
			}
			last, lastState = ids, w.State
		}

		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func printPost(p model.Post) {
	when := "pending"
	if p.CreatedAt != nil {
		when = p.CreatedAt.Local().Format("Jan 2 15:04")
	}
	author := p.AuthorDisplayName
	if author == "" {
		author = p.AuthorEmail
	}
	fmt.Printf("[%s] %s  %s: %s\n", p.ID, when, author, p.Title)
}
