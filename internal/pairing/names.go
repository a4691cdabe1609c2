package pairing

import "math/rand/v2"

var adjectives = []string{
	"Bold", "Brave", "Bright", "Calm", "Clever", "Cosmic", "Daring", "Eager",
	"Fancy", "Gentle", "Happy", "Jolly", "Lucky", "Mellow", "Nimble", "Quiet",
	"Rapid", "Silent", "Sunny", "Swift", "Tidy", "Witty", "Zesty",
}

var animals = []string{
	"Badger", "Bear", "Crane", "Dolphin", "Eagle", "Falcon", "Fox", "Gecko",
	"Heron", "Koala", "Lynx", "Moth", "Otter", "Owl", "Panda", "Raven",
	"Seal", "Tiger", "Turtle", "Whale", "Wolf", "Yak",
}

// GenerateName returns a default display name such as "Swift Moth".
func GenerateName() string {
	return adjectives[rand.IntN(len(adjectives))] + " " + animals[rand.IntN(len(animals))]
}
