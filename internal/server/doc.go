// Package server is the local control surface of the sync engine.
//
// Routes:
//
//	POST   /api/install               start an install task
//	POST   /api/update                start an update task
//	POST   /api/repair                start a repair task
//	GET    /api/tasks                 list tasks
//	GET    /api/tasks/{id}/status     task status and progress
//	DELETE /api/tasks/{id}            cancel a task
//	GET    /api/game/installed_info   inspect a game directory
//	GET    /api/game/online_info      latest server version of a game
//	GET    /health                    liveness
//	GET    /ws/{id}                   WebSocket stream of a task's events
//
// Task history lives in memory and is lost on restart. Installed-info
// results are cached per directory until fsnotify reports a change in the
// game or data directory.
package server
