// Package install inspects and prepares game installations.
//
// It finds the game data directory, works out the release type from the
// files shipped with each channel, reads the installed version from the
// game data and reconciles it with the game_version marker in config.ini.
// config.ini is written last by every flow, so when the two disagree the
// lower version wins.
package install
