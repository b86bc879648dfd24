// submodule cmd contains command definitions
package main

import (
	"github.com/stevedimarzio/tidal-mcp/internal/services"
	"github.com/urfave/cli/v3"
)

// rootFlags are shared by every command.
func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Path to configuration file",
			Value:   "config.toml",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "Enable debug logging",
		},
		&cli.StringFlag{
			Name:    "session",
			Aliases: []string{"s"},
			Usage:   "Session id (defaults to sessions.default_id or TIDAL_SESSION_ID)",
		},
		&cli.StringFlag{
			Name:  "server",
			Usage: "Talk to a running server at this URL instead of the local session store",
		},
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Output format: text, markdown, csv or json",
			Value:   "text",
		},
	}
}

func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Address to bind (overrides server.host)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to bind (overrides server.port)",
			},
		},
		Action: r.Serve,
	}
}

func loginCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Start or rejoin a TIDAL device login",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "callback-url",
				Usage: "URL to redirect to once the login is authorized",
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Wait for the login to finish",
			},
			&cli.BoolFlag{
				Name:  "no-browser",
				Usage: "Do not open the verification page in a browser",
			},
		},
		Action: r.Login,
	}
}

func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the state of a session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Wait while the login is pending",
			},
		},
		Action: r.Status,
	}
}

func sessionsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "sessions",
		Usage:  "List stored sessions",
		Action: r.Sessions,
	}
}

func logoutCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "Remove a session and its tokens",
		Action: r.Logout,
	}
}

func healthCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "health",
		Usage:  "Check that a server is up",
		Action: r.Health,
	}
}

func searchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "search",
		Usage: "Search the TIDAL catalog",
		Arguments: []cli.Argument{
			&cli.StringArg{
				Name: "query",
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "types",
				Aliases: []string{"t"},
				Usage:   "Comma separated result types: tracks, albums, artists",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum results per type",
				Value:   services.DefaultLimit,
			},
		},
		Action: r.Search,
	}
}

func favoritesCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "favorites",
		Aliases: []string{"favs"},
		Usage:   "List favorite tracks",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of tracks",
				Value:   services.DefaultLimit,
			},
		},
		Action: r.Favorites,
	}
}

func playlistsCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "playlists",
		Aliases: []string{"pl"},
		Usage:   "Manage playlists",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List your playlists",
				Action: r.PlaylistsList,
			},
			{
				Name:  "tracks",
				Usage: "List or export the tracks of a playlist",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "id"},
				},
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"l"},
						Usage:   "Maximum number of tracks",
						Value:   services.MaxPlaylistTracks,
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Export to {output}_tracks.{ext} and {output}_metadata.json",
					},
				},
				Action: r.PlaylistTracks,
			},
			{
				Name:  "create",
				Usage: "Create a playlist",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "title"},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "description",
						Aliases: []string{"d"},
						Usage:   "Playlist description",
					},
					&cli.StringSliceFlag{
						Name:  "tracks",
						Usage: "Track ids to add",
					},
				},
				Action: r.PlaylistCreate,
			},
			{
				Name:  "delete",
				Usage: "Delete a playlist",
				Arguments: []cli.Argument{
					&cli.StringArg{Name: "id"},
				},
				Action: r.PlaylistDelete,
			},
		},
	}
}

func recommendCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:      "recommend",
		Aliases:   []string{"rec"},
		Usage:     "Recommend tracks similar to one or more seed tracks",
		ArgsUsage: "<track-id>...",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Recommendations per seed track",
				Value:   services.DefaultLimit,
			},
			&cli.BoolFlag{
				Name:  "keep-duplicates",
				Usage: "Keep tracks recommended for more than one seed",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Concurrent seed lookups (defaults to catalog.workers)",
			},
		},
		Action: r.Recommend,
	}
}

func browseCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "browse",
		Usage:  "Browse playlists interactively",
		Action: r.Browse,
	}
}

func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Create the config file, the encryption key and the session store",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite an existing config file",
			},
			&cli.BoolFlag{
				Name:  "rollback",
				Usage: "Roll back the most recent schema migration of the sqlite store",
			},
		},
		Action: r.Setup,
	}
}

// apiCommand provides direct access to a running server
func apiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Send raw requests to a running server",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Make a GET request",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Action: r.APIGet,
			},
			{
				Name:  "post",
				Usage: "Make a POST request",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data",
						Aliases: []string{"d"},
						Usage:   "JSON request body",
					},
				},
				Action: r.APIPost,
			},
			{
				Name:  "delete",
				Usage: "Make a DELETE request",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Action: r.APIDelete,
			},
		},
	}
}
