// Package lock implements the lock side of the coordination bridge.
//
// A Bridge asks the coordinator for exclusive per-file locks on behalf of
// one issue identity and remembers the handles it was granted. Acquisition
// never gives up: a denial, a timeout or a transport failure all lead to
// another attempt after the retry interval, until the coordinator grants the
// lock or the caller's context is cancelled. Release of a path that is not
// held locally succeeds without contacting the coordinator. ReleaseAll
// always forgets every local handle, whatever the coordinator says, because
// it runs during shutdown and must not block exit.
//
// Wire format (request):
//
//	{"action": "acquire", "filePath": "/p/a.ts", "issueId": "issue-42"}
//
// Wire format (response):
//
//	{"success": false, "holder": "issue-7", "message": "locked"}
package lock
